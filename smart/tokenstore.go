package smart

import (
	"sync"

	"golang.org/x/oauth2"
)

// TokenStore holds acquired access tokens, keyed by the identity that
// initiated the flow. It replaces a process-wide "last token" slot with an
// injectable keyed store so concurrent flows from different users do not
// race on a single value.
//
// Last-write-wins per key: a new login for the same owner overwrites the
// previous token.
type TokenStore interface {
	Put(owner string, tok *oauth2.Token)
	Get(owner string) (*oauth2.Token, bool)
	Delete(owner string)
}

// MemoryTokenStore is the default in-process TokenStore.
// Tokens do not survive a restart; callers wanting durability supply
// their own TokenStore.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (s *MemoryTokenStore) Put(owner string, tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[owner] = tok
}

func (s *MemoryTokenStore) Get(owner string) (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[owner]
	return tok, ok
}

func (s *MemoryTokenStore) Delete(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, owner)
}

var _ TokenStore = (*MemoryTokenStore)(nil)
