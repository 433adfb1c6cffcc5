package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Role distinguishes the room creator from joined players.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// Identity is the durable participant tuple that survives page reloads and
// process restarts. All fields are persisted and cleared together; a partial
// identity is treated as corrupt.
type Identity struct {
	RoomCode       string `json:"roomCode"`
	ParticipantID  string `json:"participantId"`
	Role           Role   `json:"role"`
	JoinedAsPlayer bool   `json:"joinedAsPlayer"`
	DisplayName    string `json:"displayName"`
	AvatarRef      string `json:"avatarRef,omitempty"`
}

// IsZero reports whether no identity is held.
func (id Identity) IsZero() bool {
	return id.RoomCode == "" && id.ParticipantID == ""
}

// consistent enforces the invariant that roomCode and participantId are
// either both present or both absent.
func (id Identity) consistent() bool {
	return (id.RoomCode == "") == (id.ParticipantID == "")
}

// Store persists the identity tuple as a single JSON file. Writes go through
// a temp file and rename so readers never observe a torn identity.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath places the identity file under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "quizsync", "identity.json"), nil
}

// Load restores the identity from disk. It fails safe: a missing, unreadable,
// corrupt, or inconsistent file yields an empty identity rather than an error,
// so startup never blocks on stale local state.
func (s *Store) Load() Identity {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("identity file unreadable, starting empty")
		}
		return Identity{}
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("identity file corrupt, starting empty")
		return Identity{}
	}
	if !id.consistent() {
		log.Warn().Str("path", s.path).Msg("identity file inconsistent, starting empty")
		return Identity{}
	}
	return id
}

// Save persists the identity atomically.
func (s *Store) Save(id Identity) error {
	if !id.consistent() {
		return fmt.Errorf("refusing to save inconsistent identity: room %q participant %q", id.RoomCode, id.ParticipantID)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close identity file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace identity file: %w", err)
	}

	log.Debug().
		Str("room_code", id.RoomCode).
		Str("participant_id", id.ParticipantID).
		Str("role", string(id.Role)).
		Msg("identity saved")
	return nil
}

// Clear removes the stored identity. All fields disappear together; there is
// no way to remove a single field.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear identity: %w", err)
	}
	log.Debug().Msg("identity cleared")
	return nil
}
