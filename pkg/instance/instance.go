package instance

import "os"

// GetID returns the worker instance identifier or a default value. The id is
// stamped into outbox claim leases so rows can be traced back to a worker.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	return "worker-0"
}
