// Package firehose pumps commit events from the upstream relay into the
// write path. The pump owns the websocket and the cursor; carving frames
// into reference tuples belongs to the carver it was handed.
package firehose

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/backfill"
	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/db"
	"github.com/char/at-backshots/internal/ingest"
)

const (
	subscribePath = "/xrpc/com.atproto.sync.subscribeRepos"

	// readIdleTimeout tears down a quiet connection so a half-dead relay
	// link reconnects instead of hanging.
	readIdleTimeout = 30 * time.Second

	// rolloverCheckEvery is how many events elapse between checks for a
	// newer live store.
	rolloverCheckEvery = 128
)

var errReconnect = errors.New("reconnect")

// Subscriber is the firehose driver. It persists counts.firehose_cursor
// before handing each commit to the write path so a restart resumes at the
// next unprocessed commit.
type Subscriber struct {
	log    *zap.Logger
	db     *db.DB
	writer *ingest.Writer
	carver ingest.Carver

	// optional per-repo backfill gating; nil disables it
	gate     *backfill.DB
	interner *data.Interner

	host string
	tls  bool
}

// NewSubscriber wires a driver against relay host. gate may be nil.
func NewSubscriber(log *zap.Logger, database *db.DB, writer *ingest.Writer, carver ingest.Carver, interner *data.Interner, gate *backfill.DB, host string, tls bool) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		log:      log.Named("firehose"),
		db:       database,
		writer:   writer,
		carver:   carver,
		gate:     gate,
		interner: interner,
		host:     host,
		tls:      tls,
	}
}

// Run connects and pumps until ctx is cancelled, reconnecting on idle
// timeouts, close frames, and transport errors.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		cursor, err := s.db.GetCount(ctx, "firehose_cursor")
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		scheme := "ws"
		if s.tls {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: s.host, Path: subscribePath}
		if cursor > 0 {
			u.RawQuery = "cursor=" + strconv.FormatInt(cursor, 10)
		}

		s.log.Info("connecting to ingest", zap.String("host", s.host), zap.Int64("cursor", cursor))
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			s.log.Warn("failed to connect websocket", zap.Error(err))
			if !sleepCtx(ctx, 10*time.Second) {
				return nil
			}
			continue
		}

		err = s.pump(ctx, conn, cursor)
		_ = conn.Close()
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, errReconnect):
			// immediate redial
		default:
			s.log.Error("websocket stream failed", zap.Error(err))
			if !sleepCtx(ctx, 10*time.Second) {
				return nil
			}
		}
	}
}

func (s *Subscriber) pump(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	var eventCount int
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Info("websocket stream went quiet, reconnecting")
				return errReconnect
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("got close frame, reconnecting")
				if !sleepCtx(ctx, 10*time.Second) {
					return nil
				}
				return errReconnect
			}
			return err
		}
		if msgType != websocket.BinaryMessage {
			s.log.Warn("unexpected frame type", zap.Int("type", msgType))
			continue
		}

		eventCount++
		if eventCount%rolloverCheckEvery == 0 {
			if err := s.writer.RefreshHandle(ctx); err != nil {
				s.log.Warn("handle refresh failed", zap.Error(err))
			}
		}

		if err := s.handleFrame(ctx, frame, &cursor); err != nil {
			return err
		}
	}
}

func (s *Subscriber) handleFrame(ctx context.Context, frame []byte, cursor *int64) error {
	commit, err := s.carver.ExtractCommit(frame)
	if err != nil {
		s.log.Warn("dropping undecodable frame", zap.Error(err))
		return nil
	}
	if commit == nil {
		return nil
	}
	if commit.Seq <= *cursor {
		return nil
	}

	if err := s.db.SetCount(ctx, "firehose_cursor", commit.Seq); err != nil {
		return err
	}
	*cursor = commit.Seq

	if s.gate != nil {
		proceed, err := s.gateCommit(ctx, commit, frame)
		if err != nil {
			s.log.Warn("backfill gating failed, processing commit anyway", zap.Error(err))
		} else if !proceed {
			return nil
		}
	}

	return s.writer.HandleCommit(ctx, commit)
}

// gateCommit applies the per-repo backfill state machine: commits for a
// repo mid-backfill queue for later replay; commits at or behind a
// completed backfill's rev are already covered by the archive.
func (s *Subscriber) gateCommit(ctx context.Context, commit *ingest.Commit, frame []byte) (proceed bool, err error) {
	did, err := s.interner.EncodeDid(ctx, commit.Repo)
	if err != nil {
		return false, err
	}
	state, rev, tracked, err := s.gate.RepoState(ctx, did)
	if err != nil {
		return false, err
	}
	if !tracked {
		return true, nil
	}

	switch state {
	case backfill.StateProcessing:
		if err := s.gate.EnqueueEvent(ctx, did, frame); err != nil {
			return false, err
		}
		return false, nil
	case backfill.StateDone:
		return commit.Rev > rev, nil
	default:
		return true, nil
	}
}

// sleepCtx sleeps for d; false means ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
