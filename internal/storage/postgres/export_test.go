package postgres

import "time"

// Now exposes the store clock to external test packages.
func (s *SignalStore) Now() time.Time { return s.now() }
