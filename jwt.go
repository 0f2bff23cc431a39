package coordinate

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried by a sync relay auth token.
// parsed unverified: verification belongs to the sync endpoint, the core
// only needs the claims for provenance tagging.
type AgentJwt struct {
	AgentId     string
	WorkspaceId string
	AgentName   string
}

func ParseAgentJwtUnverified(agentJwt string) (*AgentJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(agentJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	parsed := &AgentJwt{}
	if agentId, ok := claims["agent_id"]; ok {
		if agentIdStr, ok := agentId.(string); ok {
			parsed.AgentId = agentIdStr
		}
	}
	if workspaceId, ok := claims["workspace_id"]; ok {
		if workspaceIdStr, ok := workspaceId.(string); ok {
			parsed.WorkspaceId = workspaceIdStr
		}
	}
	if agentName, ok := claims["agent_name"]; ok {
		if agentNameStr, ok := agentName.(string); ok {
			parsed.AgentName = agentNameStr
		}
	}
	return parsed, nil
}

// the provenance tag for mutations this relay applies locally
func (self *AgentJwt) Source() UpdateSource {
	if self.AgentId == "" {
		return UpdateSourceAgent
	}
	return UpdateSource("agent:" + self.AgentId)
}
