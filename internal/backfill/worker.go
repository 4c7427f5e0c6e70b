package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/data"
	"github.com/char/at-backshots/internal/ingest"
)

const userAgent = "backshots-backfill/0.1"

// didDocument is the subset of a DID document the worker reads.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// Worker drains the repo queue: for each outdated repo it fetches the full
// content-addressed archive from the repo's PDS and replays it through the
// write path, then flushes any firehose events that queued up meanwhile.
type Worker struct {
	log      *zap.Logger
	bdb      *DB
	interner *data.Interner
	writer   *ingest.Writer
	carver   ingest.Carver

	plcDirectory string
	docClient    *http.Client
	repoClient   *http.Client
}

// NewWorker wires a backfill worker. plcDirectory is where did:plc
// documents are fetched from.
func NewWorker(log *zap.Logger, bdb *DB, interner *data.Interner, writer *ingest.Writer, carver ingest.Carver, plcDirectory string) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		log:          log.Named("backfill"),
		bdb:          bdb,
		interner:     interner,
		writer:       writer,
		carver:       carver,
		plcDirectory: strings.TrimRight(plcDirectory, "/"),
		// DID-document lookups get a hard 5-second budget
		docClient:  &http.Client{Timeout: 5 * time.Second},
		repoClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Run claims and processes repos until ctx is cancelled, finishing the
// repo in flight before returning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		did, rev, ok, err := w.bdb.ClaimOutdated(ctx)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		// a claimed repo is one unit of work; shutdown does not interrupt it
		workCtx := context.WithoutCancel(ctx)
		if err := w.processRepo(workCtx, did, rev); err != nil {
			w.log.Warn("backfill failed", zap.Uint64("did", did), zap.Error(err))
			if err := w.bdb.SetRepoState(workCtx, did, StateErrored, rev); err != nil {
				w.log.Error("failed to mark repo errored", zap.Error(err))
			}
		}

		if err := w.writer.RefreshHandle(ctx); err != nil {
			w.log.Warn("handle refresh failed", zap.Error(err))
		}
	}
}

func (w *Worker) processRepo(ctx context.Context, did uint64, since string) error {
	didStr, err := w.interner.ResolveDid(ctx, did)
	if err != nil {
		return fmt.Errorf("resolve did: %w", err)
	}
	w.log.Info("ingesting repo", zap.String("did", didStr), zap.String("since", since))

	endpoint, err := w.pdsEndpoint(ctx, didStr)
	if err != nil {
		return err
	}

	archive, err := w.fetchRepo(ctx, endpoint, didStr, since)
	if err != nil {
		return err
	}

	records, rev, err := w.carver.ExtractRepo(didStr, archive)
	if err != nil {
		return fmt.Errorf("carve repo archive: %w", err)
	}
	for _, record := range records {
		if err := w.writer.HandleRecord(ctx, didStr, record); err != nil {
			return err
		}
	}

	if err := w.bdb.SetRepoState(ctx, did, StateDone, rev); err != nil {
		return err
	}
	if err := w.flushEvents(ctx, did, rev); err != nil {
		w.log.Warn("event queue flush failed", zap.String("did", didStr), zap.Error(err))
	}

	w.log.Info("finished ingesting repo", zap.String("did", didStr), zap.String("rev", rev))
	return nil
}

// pdsEndpoint fetches the repo's DID document and extracts its PDS.
func (w *Worker) pdsEndpoint(ctx context.Context, didStr string) (string, error) {
	var docURL string
	switch {
	case strings.HasPrefix(didStr, "did:plc:"):
		docURL = w.plcDirectory + "/" + didStr
	case strings.HasPrefix(didStr, "did:web:"):
		authority := strings.TrimPrefix(didStr, "did:web:")
		if strings.ContainsAny(authority, "/?#") {
			return "", fmt.Errorf("did:web authority %q carries a path", authority)
		}
		docURL = "https://" + authority + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported did type: %s", didStr)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", fmt.Errorf("build did doc request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := w.docClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch did doc: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("got error status for did doc request: %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 65_536))
	if err != nil {
		return "", fmt.Errorf("read did doc: %w", err)
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode did doc: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" && svc.ServiceEndpoint != "" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("could not find AtprotoPersonalDataServer in did doc")
}

func (w *Worker) fetchRepo(ctx context.Context, endpoint, didStr, since string) ([]byte, error) {
	q := url.Values{"did": {didStr}}
	if since != "" {
		q.Set("since", since)
	}
	repoURL := strings.TrimRight(endpoint, "/") + "/xrpc/com.atproto.sync.getRepo?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, repoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build getRepo request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := w.repoClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch repo: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("got error response for getRepo: %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read repo archive: %w", err)
	}
	return body, nil
}

// flushEvents replays commits that queued while the repo was processing.
// Only commits whose rev strictly exceeds the ingested rev land; older
// ones are already covered by the archive.
func (w *Worker) flushEvents(ctx context.Context, did uint64, ingestedRev string) error {
	frames, err := w.bdb.DrainEvents(ctx, did)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		commit, err := w.carver.ExtractCommit(frame)
		if err != nil {
			w.log.Warn("skipping undecodable queued event", zap.Error(err))
			continue
		}
		if commit == nil || commit.Rev <= ingestedRev {
			continue
		}
		if err := w.writer.HandleCommit(ctx, commit); err != nil {
			return err
		}
	}
	return nil
}
