// Package tlswarn logs a one-shot warning per endpoint when the gateway is
// configured to carry device audio over an unencrypted remote link.
package tlswarn

import (
	"log"
	"sync"
)

var warned sync.Map

// LogPlaintext warns once per component that target is reached without
// TLS. Later calls for the same component are no-ops.
func LogPlaintext(component, target string) bool {
	if _, loaded := warned.LoadOrStore(component, struct{}{}); loaded {
		return false
	}
	log.Printf("[TLS] WARNING: %s %s is not encrypted. Use wss:// or https:// outside a trusted network.", component, target)
	return true
}
