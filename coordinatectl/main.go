package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"doctree.io/coordinate"
)

const CoordinateCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Coordinate control.

Usage:
    coordinatectl init --db=<db>
    coordinatectl add --db=<db>
        [--id=<id>]
        [--parent=<parent_id>]
        [--before=<before_sibling_id>]
        [--type=<type>]
        [<content>]
    coordinatectl set-content --db=<db> --id=<id>
        [--expect_version=<version>]
        [<content>]
    coordinatectl move --db=<db> --id=<id>
        [--parent=<parent_id>]
        [--before=<before_sibling_id>]
    coordinatectl delete --db=<db> --id=<id>
    coordinatectl tree --db=<db> [--root=<root_id>]
    coordinatectl watch --db=<db> [--id=<id>]
    coordinatectl sync --db=<db> --url=<sync_url> [--jwt=<jwt>]
    coordinatectl stats --db=<db> [--id=<id>]

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    --config=<config>             Toml config path [default: ].
    --db=<db>                     Sqlite database path.
    --id=<id>                     Entity id.
    --parent=<parent_id>          Parent entity id.
    --before=<before_sibling_id>  Sibling order reference.
    --type=<type>                 Entity type tag [default: block].
    --expect_version=<version>    Expected version for conflict detection.
    --root=<root_id>              Root of the printed subtree.
    --url=<sync_url>              Agent sync websocket url.
    --jwt=<jwt>                   Agent jwt. Prompted when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoordinateCtlVersion)
	if err != nil {
		panic(err)
	}

	if init_, _ := opts.Bool("init"); init_ {
		coordinate.Trace("ctl init", func() {
			initDb(opts)
		})
	} else if add, _ := opts.Bool("add"); add {
		coordinate.Trace("ctl add", func() {
			addEntity(opts)
		})
	} else if setContent, _ := opts.Bool("set-content"); setContent {
		coordinate.Trace("ctl set-content", func() {
			setEntityContent(opts)
		})
	} else if move, _ := opts.Bool("move"); move {
		coordinate.Trace("ctl move", func() {
			moveEntity(opts)
		})
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		coordinate.Trace("ctl delete", func() {
			deleteEntity(opts)
		})
	} else if tree, _ := opts.Bool("tree"); tree {
		coordinate.Trace("ctl tree", func() {
			printTree(opts)
		})
	} else if watch, _ := opts.Bool("watch"); watch {
		watchEntities(opts)
	} else if sync, _ := opts.Bool("sync"); sync {
		runSync(opts)
	} else if stats, _ := opts.Bool("stats"); stats {
		coordinate.Trace("ctl stats", func() {
			printStats(opts)
		})
	}
}

func entityJson(entity *coordinate.Entity) string {
	entityBytes, err := json.Marshal(entity)
	if err != nil {
		panic(err)
	}
	return string(entityBytes)
}

func openSession(opts docopt.Opts) (*coordinate.CoordinationContext, *coordinate.SqliteBackend) {
	dbPath, _ := opts.String("--db")
	backend, err := coordinate.OpenSqliteBackend(dbPath)
	if err != nil {
		panic(err)
	}

	settings := coordinate.DefaultCoordinationSettings()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err := coordinate.LoadConfig(configPath)
		if err != nil {
			panic(err)
		}
		settings = config.CoordinationSettings()
	}

	coordination := coordinate.NewCoordinationContext(context.Background(), settings)

	entities, err := coordinate.TraceWithReturnError("hydrate", func() ([]*coordinate.Entity, error) {
		return backend.ListEntities(context.Background())
	})
	if err != nil {
		panic(err)
	}
	coordination.Load(entities, coordinate.UpdateSourceDatabase)

	return coordination, backend
}

func initDb(opts docopt.Opts) {
	dbPath, _ := opts.String("--db")
	backend, err := coordinate.OpenSqliteBackend(dbPath)
	if err != nil {
		panic(err)
	}
	defer backend.Close()
	Out.Printf("initialized %s\n", dbPath)
}

func addEntity(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	entityId, _ := opts.String("--id")
	if entityId == "" {
		entityId = coordinate.NewId().String()
	}
	parentId, _ := opts.String("--parent")
	beforeSiblingId, _ := opts.String("--before")
	entityType, _ := opts.String("--type")
	content, _ := opts.String("<content>")

	entity := &coordinate.Entity{
		Id:              entityId,
		Type:            entityType,
		Content:         content,
		ParentId:        parentId,
		BeforeSiblingId: beforeSiblingId,
	}
	applied := coordination.Store().Set(entity, coordinate.UpdateSourceLocal, false)

	handle := coordination.Coordinator().Persist(entityId, func(ctx context.Context) error {
		return backend.CreateEntity(ctx, applied)
	}, &coordinate.PersistOptions{
		Mode: coordinate.PersistModeImmediate,
	})
	if err := handle.Await(context.Background()); err != nil {
		panic(err)
	}
	Out.Printf("%s\n", entityJson(applied))
}

func setEntityContent(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	entityId, _ := opts.String("--id")
	content, _ := opts.String("<content>")

	var options *coordinate.UpdateOptions
	if expectVersionStr, err := opts.String("--expect_version"); err == nil && expectVersionStr != "" {
		expectVersion, err := strconv.Atoi(expectVersionStr)
		if err != nil {
			panic(err)
		}
		options = &coordinate.UpdateOptions{
			ExpectedVersion: expectVersion,
		}
	}

	changes := &coordinate.EntityChanges{
		Content: coordinate.StrPtr(content),
	}
	result := coordination.Store().Update(entityId, changes, coordinate.UpdateSourceLocal, options)
	if result.Conflict != nil {
		Out.Printf("conflict: %s (%s)\n", result.Conflict.Explanation, result.Conflict.Strategy)
		if result.Entity == nil {
			useYours, useCurrent := coordinate.GetUserChoiceOptions(changes, coordination.Store().Get(entityId))
			Out.Printf("  %s: %s\n", useYours.Label, useYours.Summary)
			Out.Printf("  %s: %s\n", useCurrent.Label, useCurrent.Summary)
			return
		}
	}

	applied := result.Entity
	handle := coordination.Coordinator().Persist(entityId, func(ctx context.Context) error {
		_, err := backend.UpdateEntity(ctx, entityId, changes, 0)
		return err
	}, &coordinate.PersistOptions{
		Mode: coordinate.PersistModeImmediate,
	})
	if err := handle.Await(context.Background()); err != nil {
		panic(err)
	}
	Out.Printf("%s\n", entityJson(applied))
}

func moveEntity(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	entityId, _ := opts.String("--id")
	parentId, _ := opts.String("--parent")
	beforeSiblingId, _ := opts.String("--before")

	if err := coordination.Move(entityId, parentId, beforeSiblingId, coordinate.UpdateSourceLocal); err != nil {
		panic(err)
	}
	handle := coordination.Coordinator().Persist(entityId, func(ctx context.Context) error {
		return backend.MoveEntity(ctx, entityId, parentId, beforeSiblingId)
	}, &coordinate.PersistOptions{
		Mode: coordinate.PersistModeImmediate,
	})
	if err := handle.Await(context.Background()); err != nil {
		panic(err)
	}
	Out.Printf("moved %s\n", entityId)
}

func deleteEntity(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	entityId, _ := opts.String("--id")
	coordination.Store().Delete(entityId, coordinate.UpdateSourceLocal)
	handle := coordination.Coordinator().Persist(entityId, func(ctx context.Context) error {
		return backend.DeleteEntity(ctx, entityId)
	}, &coordinate.PersistOptions{
		Mode: coordinate.PersistModeImmediate,
	})
	if err := handle.Await(context.Background()); err != nil {
		panic(err)
	}
	Out.Printf("deleted %s\n", entityId)
}

func printTree(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	rootId, _ := opts.String("--root")
	var printSubtree func(entityId string)
	printSubtree = func(entityId string) {
		for _, childId := range coordination.Hierarchy().GetChildren(entityId) {
			entity := coordination.Store().Get(childId)
			depth := coordination.Hierarchy().GetNodeDepth(childId)
			content := entity.Content
			if 40 < len(content) {
				content = content[:40] + "…"
			}
			Out.Printf("%s%s v%d %q\n", strings.Repeat("  ", depth), childId, entity.Version, content)
			printSubtree(childId)
		}
	}
	printSubtree(rootId)
}

func watchEntities(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	printMutation := func(entity *coordinate.Entity, source coordinate.UpdateSource) {
		Out.Printf("[%s] %s\n", source, entityJson(entity))
	}

	var unsub func()
	if entityId, err := opts.String("--id"); err == nil && entityId != "" {
		unsub = coordination.Store().Subscribe(entityId, printMutation)
	} else {
		unsub = coordination.Store().SubscribeAll(printMutation)
	}
	defer unsub()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func runSync(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	syncUrl, _ := opts.String("--url")
	agentJwt, _ := opts.String("--jwt")
	if agentJwt == "" {
		fmt.Print("agent jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		agentJwt = strings.TrimSpace(string(jwtBytes))
	}

	relay, err := coordinate.NewAgentRelayWithDefaults(context.Background(), coordination.Store(), syncUrl, agentJwt)
	if err != nil {
		panic(err)
	}
	defer relay.Close()

	Out.Printf("syncing as %s. ctrl-c to stop.\n", relay.Source())

	// write remote mutations through to the local database
	unsub := coordination.Store().SubscribeAll(func(entity *coordinate.Entity, source coordinate.UpdateSource) {
		if source != relay.Source() {
			return
		}
		coordination.Coordinator().Persist(entity.Id, func(ctx context.Context) error {
			return backend.CreateEntity(ctx, entity)
		}, &coordinate.PersistOptions{
			Mode:            coordinate.PersistModeDebounce,
			DebounceTimeout: 500 * time.Millisecond,
		})
	})
	defer unsub()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := coordination.Coordinator().Flush(flushCtx); err != nil {
		Err.Printf("flush error = %s\n", err)
	}
}

func printStats(opts docopt.Opts) {
	coordination, backend := openSession(opts)
	defer backend.Close()
	defer coordination.Close()

	// touch the caches so the stats mean something
	for entityId := range coordination.Store().GetAll() {
		coordination.Hierarchy().GetNodeDepth(entityId)
	}

	storeMetrics := coordination.Store().GetMetrics()
	persistMetrics := coordination.Coordinator().GetMetrics()
	cacheStats := coordination.Hierarchy().GetCacheStats()

	Out.Printf("entities: %d\n", storeMetrics.EntityCount)
	Out.Printf("updates: %d (avg %.2fms, max %.2fms)\n",
		storeMetrics.UpdateCount, storeMetrics.AverageUpdateMillis, storeMetrics.MaxUpdateMillis)
	Out.Printf("subscriptions: %d\n", storeMetrics.SubscriptionCount)
	Out.Printf("operations: %d total, %d completed, %d failed, %d pending\n",
		persistMetrics.TotalOperations, persistMetrics.CompletedOperations,
		persistMetrics.FailedOperations, persistMetrics.PendingOperations)
	Out.Printf("cache: depth %d/%d children %d/%d siblings %d/%d (hit ratio %.2f)\n",
		cacheStats.DepthHits, cacheStats.DepthMisses,
		cacheStats.ChildrenHits, cacheStats.ChildrenMisses,
		cacheStats.SiblingsHits, cacheStats.SiblingsMisses,
		cacheStats.HitRatio)

	if entityId, err := opts.String("--id"); err == nil && entityId != "" {
		status := coordinate.TraceWithReturn("operation status", func() coordinate.OperationStatus {
			return coordination.Coordinator().GetOperationStatus(entityId)
		})
		if status == "" {
			Out.Printf("operation %s: none tracked\n", entityId)
		} else {
			Out.Printf("operation %s: %s\n", entityId, status)
		}
	}
}
