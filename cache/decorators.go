package cache

// Cached realizes a cached-read decorator: if key
// is non-empty, consult c first; on miss, compute with load and store the
// result. Go has no implicit method-wrapping decorators, so this is a plain
// higher-order function the manager calls explicitly around its read path.
func Cached[T any](c Cache, key string, load func() (T, error)) (T, error) {
	var zero T
	if key != "" {
		if v, ok := c.Get(key); ok {
			if typed, ok := v.(T); ok {
				return typed, nil
			}
		}
	}
	v, err := load()
	if err != nil {
		return zero, err
	}
	if key != "" {
		c.Set(key, v)
	}
	return v, nil
}

// Invalidate realizes the "invalidates-write" decorator contract:
// unconditionally clear key from c after op returns, whether it succeeded or
// failed, so a partially-applied write never leaves a stale cached value
// behind.
func Invalidate(c Cache, key string, op func() error) error {
	err := op()
	c.Pop(key)
	return err
}
