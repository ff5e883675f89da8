package roomcrypto

import "sync"

// Keychain maps room names to their derived symmetric keys. A nil entry
// records a join attempt whose password turned out to be wrong, so the UI can
// tell "never tried" apart from "tried and failed".
type Keychain struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeychain creates an empty keychain.
func NewKeychain() *Keychain {
	return &Keychain{keys: make(map[string][]byte)}
}

// Remember stores the key for a room.
func (kc *Keychain) Remember(roomName string, key []byte) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.keys[roomName] = key
}

// MarkFailed records that the last join attempt for this room failed,
// discarding any previously stored key.
func (kc *Keychain) MarkFailed(roomName string) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.keys[roomName] = nil
}

// Lookup returns the key for a room. ok is false when the room has no usable
// key (never joined, or the last attempt failed).
func (kc *Keychain) Lookup(roomName string) (key []byte, ok bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	key, present := kc.keys[roomName]
	return key, present && key != nil
}

// Forget removes a room from the keychain entirely.
func (kc *Keychain) Forget(roomName string) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	delete(kc.keys, roomName)
}
