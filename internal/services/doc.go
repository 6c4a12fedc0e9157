// Package services holds the shared error taxonomy for external
// collaborators (transcode backend, library store, run history).
package services
