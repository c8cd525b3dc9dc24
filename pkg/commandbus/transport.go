package commandbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/orchestrator/pkg/types"
)

// HTTPTransport POSTs the command envelope as JSON to the node agent's
// /commands endpoint. A future gRPC or message-queue transport can
// implement NodeTransport instead without touching Bus; hand-authoring a
// protobuf-generated client without protoc would be fabricated code, so
// this orchestrator deliberately keeps the transport on plain HTTP/JSON
// (see DESIGN.md).
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport builds an HTTPTransport with the given dial/call
// timeout (NODE_AGENT_TIMEOUT_SECONDS).
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

type commandEnvelope struct {
	CommandID        string      `json:"command_id"`
	Type             types.CommandType `json:"type"`
	TargetResourceID string      `json:"target_resource_id,omitempty"`
	IssuedAt         time.Time   `json:"issued_at"`
	Payload          any         `json:"payload,omitempty"`
}

func (t *HTTPTransport) Dispatch(ctx context.Context, agentHost string, agentPort int, cmd types.PendingCommand) error {
	body, err := json.Marshal(commandEnvelope{
		CommandID:        cmd.CommandID,
		Type:             cmd.Type,
		TargetResourceID: cmd.TargetResourceID,
		IssuedAt:         cmd.IssuedAt,
		Payload:          cmd.Payload,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/commands", agentHost, agentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("node agent returned status %d", resp.StatusCode)
	}
	return nil
}
