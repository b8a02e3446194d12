package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/protocol"
	"github.com/ggoodman/mcp-gateway/sessions"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxInFlight bounds concurrent requests unless WithMaxInFlight is given.
const DefaultMaxInFlight = 16

const maxLineBytes = 4 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
//
// The handler is transport-only; it delegates all MCP semantics to the
// protocol handler.
type Handler struct {
	proto        *protocol.Handler
	store        sessions.Store
	params       sessions.CreateParams
	userProvider UserProvider
	maxInFlight  int

	r io.Reader
	w io.Writer
	l *slog.Logger

	wmu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(proto *protocol.Handler, store sessions.Store, opts ...Option) *Handler {
	h := &Handler{
		proto:        proto,
		store:        store,
		userProvider: OSUserProvider{},
		maxInFlight:  DefaultMaxInFlight,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It creates the process session first and deletes it on return.
// On EOF it waits for in-flight requests and returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	if h.proto == nil || h.store == nil {
		return errors.New("stdio: protocol handler and session store are required")
	}

	params := h.params
	if params.Caller.UserID == "" {
		uid, err := h.userProvider.CurrentUserID()
		if err != nil {
			h.l.WarnContext(ctx, "stdio.user.resolve.fail", slog.String("err", err.Error()))
		} else {
			params.Caller.UserID = uid
		}
	}
	sess, err := h.store.Create(ctx, params)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:      sess.ID,
		UserID:         sess.Caller.UserID,
		ConversationID: sess.ConversationID,
	})
	h.l.InfoContext(ctx, "stdio.session.start")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- bytes.Clone(sc.Bytes()):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var g errgroup.Group
	g.SetLimit(h.maxInFlight)

	finish := func() {
		_ = g.Wait()
		if err := h.store.Delete(context.WithoutCancel(ctx), sess.ID); err != nil {
			h.l.ErrorContext(ctx, "stdio.session.delete.fail", slog.String("err", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				finish()
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
				}
				h.l.InfoContext(ctx, "stdio.eof")
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			g.Go(func() error {
				h.handleLine(ctx, sess.ID, line)
				return nil
			})
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, sessID string, line []byte) {
	req, errRes := jsonrpc.DecodeRequest(line)
	if errRes != nil {
		h.l.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", errRes.Error.Message))
		h.write(ctx, errRes)
		return
	}

	sess, err := h.session(ctx, sessID)
	if err != nil {
		if req.IsNotification() {
			return
		}
		code := jsonrpc.ErrorCodeInternalError
		if errors.Is(err, sessions.ErrSessionNotFound) {
			code = jsonrpc.ErrorCodeInvalidSession
		} else {
			h.l.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		}
		h.write(ctx, jsonrpc.NewErrorResponse(req.ID, code, "", nil))
		return
	}

	if res := h.proto.Handle(ctx, req, sess); res != nil {
		h.write(ctx, res)
	}
}

// session refreshes the process session, sliding its expiry forward, and
// returns a current snapshot.
func (h *Handler) session(ctx context.Context, id string) (*sessions.Session, error) {
	if _, err := h.store.Extend(ctx, id); err != nil {
		return nil, err
	}
	return h.store.Get(ctx, id)
}

func (h *Handler) write(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		h.l.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(append(b, '\n')); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
