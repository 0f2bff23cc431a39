package coordinate

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseAgentJwtUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"agent_id":     "agent-1",
		"workspace_id": "workspace-9",
		"agent_name":   "outline-bot",
	})
	signed, err := token.SignedString([]byte("irrelevant"))
	assert.Equal(t, nil, err)

	parsed, err := ParseAgentJwtUnverified(signed)
	assert.Equal(t, nil, err)
	assert.Equal(t, "agent-1", parsed.AgentId)
	assert.Equal(t, "workspace-9", parsed.WorkspaceId)
	assert.Equal(t, "outline-bot", parsed.AgentName)
	assert.Equal(t, UpdateSource("agent:agent-1"), parsed.Source())
}

func TestParseAgentJwtMissingClaims(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{})
	signed, err := token.SignedString([]byte("irrelevant"))
	assert.Equal(t, nil, err)

	parsed, err := ParseAgentJwtUnverified(signed)
	assert.Equal(t, nil, err)
	assert.Equal(t, "", parsed.AgentId)
	assert.Equal(t, UpdateSourceAgent, parsed.Source())
}

func TestParseAgentJwtMalformed(t *testing.T) {
	_, err := ParseAgentJwtUnverified("not a jwt")
	assert.NotEqual(t, nil, err)
}
