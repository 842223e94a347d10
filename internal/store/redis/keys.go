package redis

import "fmt"

const (
	// KeyPrefixLock is the prefix for per-service deploy locks
	KeyPrefixLock = "cutover:lock:"
	// KeyPrefixHistory is the prefix for per-service rollout history lists
	KeyPrefixHistory = "cutover:history:"
)

// LockKey returns the Redis key holding the deploy lock of a service
func LockKey(service string) string {
	return KeyPrefixLock + service
}

// HistoryKey returns the Redis key of the rollout history list of a service
func HistoryKey(service string) string {
	return KeyPrefixHistory + service
}

// ExtractService extracts the service name from a lock or history key
func ExtractService(key string) (string, error) {
	for _, prefix := range []string{KeyPrefixLock, KeyPrefixHistory} {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return key[len(prefix):], nil
		}
	}
	return "", fmt.Errorf("invalid cutover key: %s", key)
}
