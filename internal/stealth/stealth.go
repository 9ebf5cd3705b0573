package stealth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Service derives stealth ids from wallet addresses and keeps the in-memory
// reverse map for duels currently in flight. The pepper is process-wide and
// loaded once from config; without it the ids are not invertible.
type Service struct {
	pepper []byte

	mu      sync.Mutex
	wallets map[string]string // stealth id -> wallet, session only
}

func NewService(pepper string) *Service {
	return &Service{
		pepper:  []byte(pepper),
		wallets: make(map[string]string),
	}
}

// Generate returns the stealth id for a wallet: HMAC-SHA256 over the
// normalised address, lowercase hex. Deterministic within a process.
func (s *Service) Generate(wallet string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(normalise(wallet)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the stealth id for a wallet and compares in constant
// time.
func (s *Service) Verify(wallet, stealthID string) bool {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(normalise(wallet)))
	expected, err := hex.DecodeString(stealthID)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), expected)
}

// Register derives the stealth id for a wallet and remembers the wallet so
// settlement can pay it later. Entries live only as long as the duel does.
func (s *Service) Register(wallet string) string {
	id := s.Generate(wallet)
	s.mu.Lock()
	s.wallets[id] = wallet
	s.mu.Unlock()
	return id
}

// Resolve returns the wallet behind a stealth id, if it is registered.
func (s *Service) Resolve(stealthID string) (string, bool) {
	s.mu.Lock()
	wallet, ok := s.wallets[stealthID]
	s.mu.Unlock()
	return wallet, ok
}

// Unregister drops the reverse mapping for a stealth id.
func (s *Service) Unregister(stealthID string) {
	s.mu.Lock()
	delete(s.wallets, stealthID)
	s.mu.Unlock()
}

var aliasAdjectives = []string{
	"Swift", "Brave", "Clever", "Bold", "Mighty",
	"Silent", "Wild", "Golden", "Iron", "Silver",
	"Dark", "Bright", "Storm", "Shadow", "Fire",
	"Ice", "Thunder", "Wind", "Steel", "Diamond",
}

var aliasNouns = []string{
	"Falcon", "Tiger", "Dragon", "Wolf", "Eagle",
	"Bear", "Lion", "Hawk", "Phoenix", "Panther",
	"Fox", "Raven", "Viper", "Shark", "Lynx",
	"Cobra", "Stallion", "Jaguar", "Orca", "Leopard",
}

// Alias renders a stealth id as a readable handle like "Swift_Falcon_0042".
// It is a pure function of the id: the same player shows the same alias on
// every audit page, and nothing about the wallet leaks beyond what the id
// itself carries.
func Alias(stealthID string) string {
	raw, err := hex.DecodeString(stealthID)
	if err != nil || len(raw) < 8 {
		return "Unknown_Duelist"
	}
	adj := aliasAdjectives[int(binary.BigEndian.Uint16(raw[0:2]))%len(aliasAdjectives)]
	noun := aliasNouns[int(binary.BigEndian.Uint16(raw[2:4]))%len(aliasNouns)]
	suffix := binary.BigEndian.Uint32(raw[4:8]) % 10000
	return fmt.Sprintf("%s_%s_%04d", adj, noun, suffix)
}

// Mask returns a display-safe truncation of a wallet address.
func Mask(wallet string) string {
	w := strings.TrimSpace(wallet)
	if len(w) <= 8 {
		return "****"
	}
	return w[:4] + "..." + w[len(w)-4:]
}

// normalise trims whitespace; base58 addresses are case-sensitive so case is
// preserved.
func normalise(wallet string) string {
	return strings.TrimSpace(wallet)
}
