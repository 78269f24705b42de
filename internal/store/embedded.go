package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// EmbeddedOptions configures the single-binary store.
type EmbeddedOptions struct {
	// Dir is the on-disk location for badger and the vector index.
	// Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in process memory. Used by tests and
	// throwaway runs.
	InMemory bool
}

// EmbeddedStore keeps records in badger with msgpack encoding and mirrors
// embeddings into chromem collections for similarity search. The vector index
// is derived data: records in badger are authoritative, and a failed mirror
// write degrades recall but never loses a turn or summary.
type EmbeddedStore struct {
	db            *badger.DB
	summaries     *chromem.Collection
	conversations *chromem.Collection

	mu   sync.Mutex
	tick uint64
}

var _ memory.Store = (*EmbeddedStore)(nil)

const (
	turnPrefix    = "turn:"
	turnIndexPfx  = "turnidx:"
	summaryPrefix = "summ:"
	sessionPrefix = "sess:"
	activeKey     = "session:active"
	personaPrefix = "persona:"
	profilePrefix = "profile:"
)

func NewEmbeddedStore(opts EmbeddedOptions) (*EmbeddedStore, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(filepath.Join(opts.Dir, "records"))
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	var vectors *chromem.DB
	if opts.InMemory {
		vectors = chromem.NewDB()
	} else {
		vectors, err = chromem.NewPersistentDB(filepath.Join(opts.Dir, "vectors"), false)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	}

	summaries, err := vectors.GetOrCreateCollection("summaries", nil, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create summaries collection: %w", err)
	}
	conversations, err := vectors.GetOrCreateCollection("conversations", nil, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations collection: %w", err)
	}

	return &EmbeddedStore{
		db:            db,
		summaries:     summaries,
		conversations: conversations,
	}, nil
}

// turnDoc is the badger representation of a turn. Summarized tracks
// compaction coverage, which only the store needs to know about.
type turnDoc struct {
	ID         string    `msgpack:"id"`
	SessionID  string    `msgpack:"session_id"`
	Role       string    `msgpack:"role"`
	Text       string    `msgpack:"text"`
	Summarized bool      `msgpack:"summarized"`
	CreatedAt  time.Time `msgpack:"created_at"`
}

type summaryDoc struct {
	ID        string    `msgpack:"id"`
	SessionID string    `msgpack:"session_id"`
	Seq       int64     `msgpack:"seq"`
	Text      string    `msgpack:"text"`
	CreatedAt time.Time `msgpack:"created_at"`
}

type sessionDoc struct {
	ID        string    `msgpack:"id"`
	Status    string    `msgpack:"status"`
	StartedAt time.Time `msgpack:"started_at"`
	EndedAt   time.Time `msgpack:"ended_at"`
}

func (s *EmbeddedStore) InsertTurn(ctx context.Context, sessionID string, role memory.Role, text string, embedding []float32, at time.Time) (memory.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := memory.TurnRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: at.UTC(),
	}

	s.tick++
	key := fmt.Sprintf("%s%s:%020d:%08d", turnPrefix, sessionID, rec.CreatedAt.UnixNano(), s.tick)

	doc := turnDoc{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Role:      string(rec.Role),
		Text:      rec.Text,
		CreatedAt: rec.CreatedAt,
	}
	raw, err := msgpack.Marshal(doc)
	if err != nil {
		return memory.TurnRecord{}, fmt.Errorf("encode turn: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), raw); err != nil {
			return err
		}
		return txn.Set([]byte(turnIndexPfx+rec.ID), []byte(key))
	})
	if err != nil {
		return memory.TurnRecord{}, fmt.Errorf("insert turn for session %s: %w", sessionID, err)
	}

	s.mirrorVector(ctx, s.conversations, rec.ID, rec.Text, embedding, memory.HitConversation, sessionID, rec.CreatedAt)
	return rec, nil
}

func (s *EmbeddedStore) UnsummarizedTurns(ctx context.Context, sessionID string) ([]memory.TurnRecord, error) {
	prefix := []byte(turnPrefix + sessionID + ":")
	var out []memory.TurnRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc turnDoc
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			if doc.Summarized {
				continue
			}
			out = append(out, memory.TurnRecord{
				ID:        doc.ID,
				SessionID: doc.SessionID,
				Role:      memory.Role(doc.Role),
				Text:      doc.Text,
				CreatedAt: doc.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan unsummarized turns for session %s: %w", sessionID, err)
	}
	return out, nil
}

// InsertSummary writes the summary and flips every covered turn's summarized
// flag inside one badger transaction. The vector mirror happens after commit.
func (s *EmbeddedStore) InsertSummary(ctx context.Context, sessionID, text string, embedding []float32, coveredTurnIDs []string) (memory.SummaryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := memory.SummaryRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSummarySeq(txn, sessionID)
		if err != nil {
			return err
		}
		rec.Seq = seq

		doc := summaryDoc{
			ID:        rec.ID,
			SessionID: rec.SessionID,
			Seq:       rec.Seq,
			Text:      rec.Text,
			CreatedAt: rec.CreatedAt,
		}
		raw, err := msgpack.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		key := fmt.Sprintf("%s%s:%08d", summaryPrefix, sessionID, rec.Seq)
		if err := txn.Set([]byte(key), raw); err != nil {
			return err
		}

		for _, id := range coveredTurnIDs {
			if err := markTurnSummarized(txn, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return memory.SummaryRecord{}, fmt.Errorf("insert summary for session %s: %w", sessionID, err)
	}

	s.mirrorVector(ctx, s.summaries, rec.ID, rec.Text, embedding, memory.HitSummary, sessionID, rec.CreatedAt)
	return rec, nil
}

func nextSummarySeq(txn *badger.Txn, sessionID string) (int64, error) {
	prefix := []byte(summaryPrefix + sessionID + ":")
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse-seek just past the prefix range to land on the highest seq.
	seek := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 1, nil
	}
	var doc summaryDoc
	err := it.Item().Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &doc)
	})
	if err != nil {
		return 0, err
	}
	return doc.Seq + 1, nil
}

func markTurnSummarized(txn *badger.Txn, turnID string) error {
	idx, err := txn.Get([]byte(turnIndexPfx + turnID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("covered turn %s not found", turnID)
	}
	if err != nil {
		return err
	}
	key, err := idx.ValueCopy(nil)
	if err != nil {
		return err
	}
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	var doc turnDoc
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &doc)
	}); err != nil {
		return err
	}
	doc.Summarized = true
	raw, err := msgpack.Marshal(doc)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func (s *EmbeddedStore) Summaries(ctx context.Context, sessionID string) ([]memory.SummaryRecord, error) {
	prefix := []byte(summaryPrefix + sessionID + ":")
	var out []memory.SummaryRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc summaryDoc
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			out = append(out, memory.SummaryRecord{
				ID:        doc.ID,
				SessionID: doc.SessionID,
				Seq:       doc.Seq,
				Text:      doc.Text,
				CreatedAt: doc.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan summaries for session %s: %w", sessionID, err)
	}
	return out, nil
}

func (s *EmbeddedStore) VectorSearch(ctx context.Context, embedding []float32, limit int) ([]memory.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}

	var out []memory.SearchHit
	for _, col := range []*chromem.Collection{s.summaries, s.conversations} {
		n := limit
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query vector index: %w", err)
		}
		for _, r := range results {
			out = append(out, memory.SearchHit{
				ID:        r.ID,
				Kind:      memory.HitKind(r.Metadata["kind"]),
				Text:      r.Content,
				Score:     float64(r.Similarity),
				CreatedAt: timeFromMeta(r.Metadata["created_at"]),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EmbeddedStore) ActiveSession(ctx context.Context) (*memory.SessionRecord, error) {
	var rec *memory.SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		sessItem, err := txn.Get([]byte(sessionPrefix + string(id)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var doc sessionDoc
		if err := sessItem.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &doc)
		}); err != nil {
			return err
		}
		if doc.Status != string(memory.StatusOpen) {
			return nil
		}
		rec = &memory.SessionRecord{
			ID:        doc.ID,
			Status:    memory.SessionStatus(doc.Status),
			StartedAt: doc.StartedAt,
			EndedAt:   doc.EndedAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return rec, nil
}

func (s *EmbeddedStore) CreateSession(ctx context.Context) (memory.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := memory.SessionRecord{
		ID:        uuid.NewString(),
		Status:    memory.StatusOpen,
		StartedAt: time.Now().UTC(),
	}
	raw, err := msgpack.Marshal(sessionDoc{
		ID:        rec.ID,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
	})
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("encode session: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(sessionPrefix+rec.ID), raw); err != nil {
			return err
		}
		return txn.Set([]byte(activeKey), []byte(rec.ID))
	})
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

func (s *EmbeddedStore) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(sessionPrefix + sessionID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("session %s not found", sessionID)
		}
		if err != nil {
			return err
		}
		var doc sessionDoc
		if err := item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &doc)
		}); err != nil {
			return err
		}
		doc.Status = string(memory.StatusClosed)
		doc.EndedAt = time.Now().UTC()
		raw, err := msgpack.Marshal(doc)
		if err != nil {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}

		active, err := txn.Get([]byte(activeKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := active.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(id) == sessionID {
			return txn.Delete([]byte(activeKey))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

func (s *EmbeddedStore) Persona(ctx context.Context, personaID string) (string, error) {
	return s.textValue(personaPrefix + personaID)
}

func (s *EmbeddedStore) SetPersona(ctx context.Context, personaID, text string) error {
	return s.setTextValue(personaPrefix+personaID, text)
}

func (s *EmbeddedStore) Profile(ctx context.Context, userID string) (string, error) {
	return s.textValue(profilePrefix + userID)
}

func (s *EmbeddedStore) SetProfile(ctx context.Context, userID, text string) error {
	return s.setTextValue(profilePrefix+userID, text)
}

func (s *EmbeddedStore) textValue(key string) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = string(val)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

func (s *EmbeddedStore) setTextValue(key, text string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(text))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}

// mirrorVector adds a record to its chromem collection. Badger has already
// committed, so a mirror failure is logged rather than propagated.
func (s *EmbeddedStore) mirrorVector(ctx context.Context, col *chromem.Collection, id, text string, embedding []float32, kind memory.HitKind, sessionID string, at time.Time) {
	if len(embedding) == 0 {
		return
	}
	err := col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: embedding,
		Metadata: map[string]string{
			"kind":       string(kind),
			"session_id": sessionID,
			"created_at": strconv.FormatInt(at.UnixNano(), 10),
		},
	})
	if err != nil {
		log.Printf("vector index write failed for %s %s: %v", kind, id, err)
	}
}

func timeFromMeta(v string) time.Time {
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
