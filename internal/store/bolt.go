package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	conversationsBucket = []byte("conversations")
	messagesBucket      = []byte("messages")
	blacklistBucket     = []byte("blacklist")
	settingsBucket      = []byte("settings")
)

// Env fallbacks for tunable settings, checked when the settings bucket
// has no value for the key.
var settingEnv = map[string]string{
	"mainPrompt":          "MAIN_PROMPT",
	"greetingScript":      "GREETING_SCRIPT",
	"reactivationKeyword": "REACTIVATION_KEYWORD",
	"aiDefaultEnabled":    "AI_DEFAULT_ENABLED",
	"persistEmpty":        "PERSIST_EMPTY_MESSAGES",
}

type Store interface {
	FindOrCreateConversation(contactNumber, contactName string, aiDefault bool) (*Conversation, bool, error)
	GetConversation(contactNumber string) (*Conversation, error)
	UpdateConversation(contactNumber string, mutate func(*Conversation) error) (*Conversation, error)

	SaveMessage(m *Message) error
	RecentMessages(conversationID string, n int) ([]Message, error)
	HasOutbound(conversationID string) (bool, error)
	SetTranscription(conversationID, messageID, text string) error

	IsBlacklisted(contactNumber string) (bool, error)
	AddBlacklist(e BlacklistEntry) error
	RemoveBlacklist(phoneNumber string) error

	Setting(key string) string
	SetSetting(key, value string) error

	Close() error
}

type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{conversationsBucket, messagesBucket, blacklistBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// FindOrCreateConversation returns the conversation for contactNumber,
// creating it with the given AI default when it does not exist yet.
// The second return value reports whether a new record was created.
func (s *BoltStore) FindOrCreateConversation(contactNumber, contactName string, aiDefault bool) (*Conversation, bool, error) {
	var conv Conversation
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if v := b.Get([]byte(contactNumber)); v != nil {
			return json.Unmarshal(v, &conv)
		}
		created = true
		conv = Conversation{
			ID:            uuid.NewString(),
			ContactNumber: contactNumber,
			ContactName:   contactName,
			AIEnabled:     aiDefault,
			TriagePhase:   PhaseInProgress,
			SyncStatus:    SyncPending,
			CreatedAt:     time.Now(),
		}
		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		return b.Put([]byte(contactNumber), data)
	})
	if err != nil {
		return nil, false, err
	}
	return &conv, created, nil
}

func (s *BoltStore) GetConversation(contactNumber string) (*Conversation, error) {
	var conv Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(contactNumber))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &conv)
	})
	if err != nil {
		return nil, err
	}
	if conv.ContactNumber == "" {
		return nil, nil
	}
	return &conv, nil
}

// UpdateConversation applies mutate to the stored record inside a single
// write transaction, so concurrent field merges never lose updates.
// Terminal triage phases are pinned: a mutation that tries to move the
// phase out of finalizada or encerrada_etica is silently reverted.
func (s *BoltStore) UpdateConversation(contactNumber string, mutate func(*Conversation) error) (*Conversation, error) {
	var conv Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		v := b.Get([]byte(contactNumber))
		if v == nil {
			return fmt.Errorf("conversation %s not found", contactNumber)
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return err
		}

		prevPhase := conv.TriagePhase
		if err := mutate(&conv); err != nil {
			return err
		}
		if TerminalPhase(prevPhase) && conv.TriagePhase != prevPhase {
			conv.TriagePhase = prevPhase
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		return b.Put([]byte(contactNumber), data)
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// SaveMessage stores m under its conversation, keyed by timestamp so
// history windows read back in order. Fills ID and Timestamp if unset.
func (s *BoltStore) SaveMessage(m *Message) error {
	if m.ConversationID == "" {
		return fmt.Errorf("message has no conversation id")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(messageKey(m), data)
	})
}

// messageKey orders messages by timestamp; the id suffix keeps keys
// unique when two messages land on the same nanosecond.
func messageKey(m *Message) []byte {
	return fmt.Appendf(nil, "%019d:%s", m.Timestamp.UnixNano(), m.ID)
}

// RecentMessages returns the last n messages of a conversation,
// oldest-first, the shape the model context window wants.
func (s *BoltStore) RecentMessages(conversationID string, n int) ([]Message, error) {
	var msgs []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(msgs) < n; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// HasOutbound reports whether the conversation ever had a from-me
// message; the dispatcher uses it to detect the very first turn.
func (s *BoltStore) HasOutbound(conversationID string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.FromMe {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// SetTranscription patches the transcription of a stored message once
// the audio pipeline finishes. Missing messages are not an error; the
// row may have been pruned meanwhile.
func (s *BoltStore) SetTranscription(conversationID, messageID, text string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.ID != messageID {
				continue
			}
			m.Transcription = text
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}
		return nil
	})
}

// IsBlacklisted checks the contact number against every stored entry,
// matching by suffix so "5511999990000" is caught by an entry saved as
// "11999990000".
func (s *BoltStore) IsBlacklisted(contactNumber string) (bool, error) {
	blocked := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blacklistBucket).ForEach(func(k, _ []byte) error {
			if strings.HasSuffix(contactNumber, string(k)) {
				blocked = true
			}
			return nil
		})
	})
	return blocked, err
}

func (s *BoltStore) AddBlacklist(e BlacklistEntry) error {
	if e.PhoneNumber == "" {
		return fmt.Errorf("blacklist entry has no phone number")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(blacklistBucket).Put([]byte(e.PhoneNumber), data)
	})
}

func (s *BoltStore) RemoveBlacklist(phoneNumber string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blacklistBucket).Delete([]byte(phoneNumber))
	})
}

// Setting returns the stored value for key, falling back to the mapped
// env var when the bucket has no override.
func (s *BoltStore) Setting(key string) string {
	var val string
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(settingsBucket).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	if val != "" {
		return val
	}
	if env, ok := settingEnv[key]; ok {
		return os.Getenv(env)
	}
	return ""
}

func (s *BoltStore) SetSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
