package storage

import (
    "context"
    "errors"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/xaenox/chat-dataset/internal/models"
)

type MemoryStorage struct {
    mu       sync.Mutex
    profiles map[string]*models.Profile
    messages []*models.Message
    nextID   int64
    now      func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
    return &MemoryStorage{
        profiles: make(map[string]*models.Profile),
        now:      func() time.Time { return time.Now().UTC() },
    }
}

// Profile methods

// ResolveOrCreate holds the lock across lookup and insert, so concurrent
// first resolutions of one category yield a single profile.
func (s *MemoryStorage) ResolveOrCreate(ctx context.Context, entityType string) (*models.Profile, error) {
    if entityType == "" {
        return nil, &Error{Op: "resolve profile", Err: errors.New("entity type is required")}
    }

    s.mu.Lock()
    defer s.mu.Unlock()

    var candidates []*models.Profile
    for _, p := range s.profiles {
        if p.EntityType == entityType {
            candidates = append(candidates, p)
        }
    }

    if len(candidates) == 0 {
        profile := &models.Profile{
            ID:         uuid.New().String(),
            EntityType: entityType,
            CreatedAt:  s.now(),
        }
        s.profiles[profile.ID] = profile
        return copyProfile(profile), nil
    }

    sort.Slice(candidates, func(i, j int) bool {
        return profileBefore(candidates[i], candidates[j])
    })

    profile := candidates[0]
    touched := touchTime(profile.LastUsedAt, s.now())
    profile.LastUsedAt = &touched
    return copyProfile(profile), nil
}

// profileBefore orders like the SQL backends: last_used_at DESC with NULLs
// last, then created_at DESC, then id.
func profileBefore(a, b *models.Profile) bool {
    switch {
    case a.LastUsedAt != nil && b.LastUsedAt == nil:
        return true
    case a.LastUsedAt == nil && b.LastUsedAt != nil:
        return false
    case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
        return a.LastUsedAt.After(*b.LastUsedAt)
    case !a.CreatedAt.Equal(b.CreatedAt):
        return a.CreatedAt.After(b.CreatedAt)
    }
    return a.ID < b.ID
}

func (s *MemoryStorage) Profiles(ctx context.Context) ([]*models.Profile, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    profiles := make([]*models.Profile, 0, len(s.profiles))
    for _, p := range s.profiles {
        profiles = append(profiles, copyProfile(p))
    }
    sort.Slice(profiles, func(i, j int) bool {
        a, b := profiles[i], profiles[j]
        if !a.CreatedAt.Equal(b.CreatedAt) {
            return a.CreatedAt.Before(b.CreatedAt)
        }
        return a.ID < b.ID
    })
    return profiles, nil
}

func copyProfile(p *models.Profile) *models.Profile {
    cp := *p
    if p.LastUsedAt != nil {
        t := *p.LastUsedAt
        cp.LastUsedAt = &t
    }
    return &cp
}

// Message methods

func (s *MemoryStorage) Append(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    if _, exists := s.profiles[senderID]; !exists {
        return nil, &Error{Op: "append message", Err: errors.New("sender profile does not exist")}
    }

    s.nextID++
    msg := &models.Message{
        ID:             s.nextID,
        ConversationID: conversationID,
        SenderID:       senderID,
        Content:        content,
        CreatedAt:      s.now(),
    }
    s.messages = append(s.messages, msg)

    cp := *msg
    return &cp, nil
}

func (s *MemoryStorage) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var result []*models.Message
    for _, msg := range s.messages {
        if msg.ConversationID == conversationID {
            cp := *msg
            result = append(result, &cp)
        }
    }
    return result, nil
}

func (s *MemoryStorage) Conversations(ctx context.Context, limit int) ([]string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    seen := make(map[string]struct{})
    var ids []string
    for i := len(s.messages) - 1; i >= 0 && len(ids) < limit; i-- {
        id := s.messages[i].ConversationID
        if _, ok := seen[id]; ok {
            continue
        }
        seen[id] = struct{}{}
        ids = append(ids, id)
    }
    return ids, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
