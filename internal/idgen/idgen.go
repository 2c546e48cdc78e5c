// Package idgen generates URL-safe identifiers for Jobs, Batches, and Tasks.
// Plays the role of the teacher's firestore.AlphaNumID(), but uses the
// ecosystem-standard UUID package rather than a hand-rolled alphabet.
package idgen

import "github.com/google/uuid"

// New returns a URL-safe, UUID-based identifier with the given prefix, e.g.
// New("job") -> "job_3fa85f64-5717-4562-b3fc-2c963f66afa6".
func New(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
