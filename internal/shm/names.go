package shm

import (
	"fmt"
	"hash/fnv"
)

// maxIdentifierLen is the commonly enforced POSIX shared-memory name limit
// (31 bytes including the leading '/', e.g. NAME_MAX on Linux's shmfs).
const maxIdentifierLen = 31

// resolveIdentifier turns a logical key into the identifier actually used
// to back a named region. Short keys pass through unchanged (prefixed with
// "/"); keys that would overflow the platform's identifier length are
// deterministically hashed with 64-bit FNV-1a, per spec.md §9 ("Name
// length limits"): the hash is taken over the *original* key, not the
// truncated prefix, so two unrelated long names that happen to share a
// prefix don't collide just because they were both truncated.
func resolveIdentifier(key string) string {
	candidate := "/" + key
	if len(candidate) <= maxIdentifierLen {
		return candidate
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()

	// Keep a short debuggable prefix so "ps"/"lsof"-style inspection still
	// hints at what the region is for, then the hash guarantees uniqueness.
	debugPrefix := key
	if len(debugPrefix) > 8 {
		debugPrefix = debugPrefix[:8]
	}

	return fmt.Sprintf("/%s_%016x", debugPrefix, sum)
}

func withNamespace(namespace, base string) string {
	if namespace == "" {
		return base
	}
	return namespace + "_" + base
}

// KeyRing returns the ring region's identifier for a route/channel name.
func KeyRing(namespace, name string) string {
	return resolveIdentifier(withNamespace(namespace, "QU_CONN__"+name))
}

// KeyCCCounter returns the cc_id monotonic counter region's identifier.
func KeyCCCounter(namespace, name string) string {
	return resolveIdentifier(withNamespace(namespace, "CA_CONN__"+name))
}

// KeyWriterPark returns the writer-park (mutex+cond pair) region's identifier.
func KeyWriterPark(namespace, name string) string {
	return resolveIdentifier(withNamespace(namespace, "WT_CONN__"+name))
}

// KeyReaderPark returns the reader-park region's identifier.
func KeyReaderPark(namespace, name string) string {
	return resolveIdentifier(withNamespace(namespace, "RD_CONN__"+name))
}

// KeyConnectPark returns the connect-park region's identifier.
func KeyConnectPark(namespace, name string) string {
	return resolveIdentifier(withNamespace(namespace, "CC_CONN__"+name))
}

// KeySlab returns the identifier of the large-message slab region for a
// given size class. Slab pools are namespace-scoped, not per-route: §4.F
// describes them as "the library keeps one region per class it has seen",
// and the §4.G key template for slabs (`[P_]N_CH_CONN__k`) has no room for
// a route/channel name, only the namespace prefix and the class. This lets
// unrelated routes/channels in the same namespace share one large-message
// pool per size class instead of fragmenting it per route.
func KeySlab(namespace string, class int) string {
	return resolveIdentifier(withNamespace(namespace, fmt.Sprintf("N_CH_CONN__%d", class)))
}
