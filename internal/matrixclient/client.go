// Package matrixclient wraps mautrix-go as the orchestrator's one concrete
// Matrix collaborator: it posts Approval Cliff decision requests and Audit
// Log notices (satisfying matrixprompter.Sender and matrixnotifier.Sender),
// and listens to the approvals room for a human's "approve <id>" / "deny
// <id> reason=..." reply, feeding it back into matrixprompter.Prompter.
//
// The sync loop reconnects with backoff; the room message handler parses
// each message as an approval decision rather than forwarding it anywhere
// else, since this binary has no conversational loop of its own.
package matrixclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/anchapin/luminaguard/internal/approval/matrixprompter"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client is the orchestrator's Matrix collaborator.
type Client struct {
	mxc    *mautrix.Client
	cfg    Config
	stopCh chan struct{}
}

// New creates a Matrix client but does not start syncing yet.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrixclient: create client: %w", err)
	}
	return &Client{mxc: mxc, cfg: cfg, stopCh: make(chan struct{})}, nil
}

// SendText sends a plain-text m.text message to the given room. Satisfies
// matrixprompter.Sender.
func (c *Client) SendText(roomID, text string) error {
	_, err := c.mxc.SendText(context.Background(), id.RoomID(roomID), text)
	return err
}

// SendNotice sends an m.notice message to the given room. Satisfies
// matrixnotifier.Sender; notices don't trigger client notification sounds,
// which is the right register for a telemetry stream.
func (c *Client) SendNotice(roomID, message string) error {
	_, err := c.mxc.SendNotice(context.Background(), id.RoomID(roomID), message)
	return err
}

// Start joins approvalsRoom, begins the sync loop, and feeds every
// non-self text message in that room through matrixprompter.ParseDecision
// into prompter.RecordDecision. The sync loop reconnects with exponential
// backoff on transport errors.
func (c *Client) Start(ctx context.Context, approvalsRoom string, prompter *matrixprompter.Prompter) error {
	slog.Warn("matrix E2EE is not enabled; approval messages are in plaintext")

	syncer := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if evt.Sender == id.UserID(c.cfg.UserID) {
			return
		}
		if string(evt.RoomID) != approvalsRoom {
			return
		}
		body := evt.Content.AsMessage()
		if body == nil {
			return
		}
		approvalID, outcome, _, ok := matrixprompter.ParseDecision(body.Body)
		if !ok {
			return
		}
		prompter.RecordDecision(approvalID, outcome)
	})

	if err := c.join(id.RoomID(approvalsRoom)); err != nil {
		slog.Warn("could not join approvals room", "room", approvalsRoom, "err", err)
	}

	go func() {
		const backoffMax = 5 * time.Minute
		backoff := 2 * time.Second
		for {
			if err := c.mxc.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix sync error; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
				backoff = 2 * time.Second
			}
		}
	}()
	return nil
}

// Stop halts the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.mxc.StopSync()
}

// join joins a room. Any join error, "already joined" or otherwise, is
// logged at Info level and not returned; join always returns nil.
func (c *Client) join(roomID id.RoomID) error {
	_, err := c.mxc.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		slog.Info("join room result", "room", roomID, "err", err)
	}
	return nil
}
