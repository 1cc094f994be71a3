package query

// Selector chooses cache keys for Context.InvalidateKeys / MutateCache
// a single key, a list of keys, or a predicate.
type Selector interface {
	matches(key string) bool
}

type keySelector string

func (s keySelector) matches(key string) bool { return string(s) == key }

// Key selects exactly one canonical key.
func Key(k string) Selector { return keySelector(k) }

type keysSelector []string

func (s keysSelector) matches(key string) bool {
	for _, k := range s {
		if k == key {
			return true
		}
	}
	return false
}

// Keys selects a fixed list of canonical keys.
func Keys(ks []string) Selector { return keysSelector(ks) }

type predicateSelector func(string) bool

func (s predicateSelector) matches(key string) bool { return s(key) }

// Match selects every canonical key for which pred returns true.
func Match(pred func(key string) bool) Selector { return predicateSelector(pred) }
