package ledger

// SeedWallet is a test helper that plants a wallet directly when using the
// in-memory store.
func SeedWallet(s Store, w Wallet) {
	if mem, ok := s.(*memStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.wallets[w.ID] = w
		if w.Name != "" {
			mem.names[w.Name] = w.ID
		}
	}
}

// SeedTransaction is a test helper that appends a transaction row directly
// when using the in-memory store, bypassing the engine. Useful for shaping
// history fixtures with controlled timestamps.
func SeedTransaction(s Store, t Transaction) {
	if mem, ok := s.(*memStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.txs = append(mem.txs, t)
		if t.IdempotencyKey != "" {
			mem.byKey[t.IdempotencyKey] = len(mem.txs) - 1
		}
	}
}
