//go:build !unix

package audit

import "os"

// Advisory locks are unavailable; a single process per file is assumed.

func lockExclusive(f *os.File) error { return nil }

func lockShared(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
