package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

type tailOptions struct {
	URL    string
	Token  string
	Filter fanout.Filter
}

func tailCmd() *cobra.Command {
	var opts tailOptions
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream message events from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Token == "" {
				opts.Token = os.Getenv("WAPIPE_GATEWAY_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			err := tailEvents(ctx, opts, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "ws://127.0.0.1:18800/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&opts.Token, "token", "", "gateway token (default: $WAPIPE_GATEWAY_TOKEN)")
	cmd.Flags().StringVar(&opts.Filter.TenantID, "tenant", "", "tenant to watch (required)")
	cmd.Flags().StringVar(&opts.Filter.ConnectionID, "connection", "", "only this connection")
	cmd.Flags().StringVar(&opts.Filter.ConversationID, "conversation", "", "only this conversation")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// tailEvents connects, subscribes with opts.Filter and writes one line per
// event to out until ctx is done or the server closes the connection.
func tailEvents(ctx context.Context, opts tailOptions, out io.Writer) error {
	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	rpc := &tailConn{conn: conn}
	if err := rpc.call(ctx, protocol.MethodConnect, map[string]string{"token": opts.Token, "tenant_id": opts.Filter.TenantID}); err != nil {
		return err
	}
	if err := rpc.call(ctx, protocol.MethodSubscribe, opts.Filter); err != nil {
		return err
	}
	for _, ev := range rpc.backlog {
		printEvent(out, ev)
	}

	for {
		f, err := rpc.read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if f.Type != protocol.FrameTypeEvent {
			continue
		}
		printEvent(out, f)
		if f.Event == protocol.EventShutdown {
			return nil
		}
	}
}

type tailFrame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

type tailConn struct {
	conn    *websocket.Conn
	seq     int
	backlog []tailFrame // events that arrived while waiting for a response
}

func (c *tailConn) read(ctx context.Context) (tailFrame, error) {
	var f tailFrame
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (c *tailConn) call(ctx context.Context, method string, params interface{}) error {
	c.seq++
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, _ := json.Marshal(protocol.RequestFrame{
		Type: protocol.FrameTypeRequest, ID: fmt.Sprintf("tail-%d", c.seq), Method: method, Params: raw,
	})
	if err := c.conn.Write(ctx, websocket.MessageText, req); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	want := fmt.Sprintf("tail-%d", c.seq)
	for {
		f, err := c.read(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if f.Type == protocol.FrameTypeEvent {
			c.backlog = append(c.backlog, f)
			continue
		}
		if f.ID != want {
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return fmt.Errorf("%s: %s: %s", method, f.Error.Code, f.Error.Message)
			}
			return fmt.Errorf("%s failed", method)
		}
		return nil
	}
}

// printEvent writes "<event> <conversation> <payload>".
func printEvent(out io.Writer, f tailFrame) {
	var ev fanout.Event
	var payload json.RawMessage
	if err := json.Unmarshal(f.Payload, &struct {
		*fanout.Event
		Payload *json.RawMessage `json:"payload"`
	}{&ev, &payload}); err != nil {
		fmt.Fprintf(out, "%s %s\n", f.Event, strings.TrimSpace(string(f.Payload)))
		return
	}
	fmt.Fprintf(out, "%s %s %s\n", f.Event, ev.ConversationID, strings.TrimSpace(string(payload)))
}
