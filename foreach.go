package dispatch

// KV pairs a key with a value produced by a MapReduce mapper.
type KV[K comparable, V any] struct {
	Key   K
	Value V
}

// ForEach applies fn to every element, one coroutine task per
// element, fanned out across the queues by load. The returned context
// resolves to the outputs in input order once every task completes;
// the first error encountered fails the aggregate.
func ForEach[R, E any](src Poster, items []E, fn func(E) (R, error)) *Context[[]R] {
	stages := make([]*Context[R], len(items))
	for i, item := range items {
		stages[i] = Post(src, func(*Context[R]) (R, error) {
			return fn(item)
		})
	}
	return Post(src, func(c *Context[[]R]) ([]R, error) {
		out := make([]R, len(stages))
		for i, stage := range stages {
			v, err := stage.Await(c)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	})
}

// MapReduce fans the mapper out across elements, buckets the emitted
// pairs by key, and reduces each bucket. Mapper outputs for one key
// are reduced in submission order.
func MapReduce[K comparable, M, R, E any](
	src Poster,
	items []E,
	mapper func(E) ([]KV[K, M], error),
	reducer func(K, []M) (R, error),
) *Context[map[K]R] {
	mapped := make([]*Context[[]KV[K, M]], len(items))
	for i, item := range items {
		mapped[i] = Post(src, func(*Context[[]KV[K, M]]) ([]KV[K, M], error) {
			return mapper(item)
		})
	}
	return Post(src, func(c *Context[map[K]R]) (map[K]R, error) {
		buckets := make(map[K][]M)
		for _, stage := range mapped {
			kvs, err := stage.Await(c)
			if err != nil {
				return nil, err
			}
			for _, kv := range kvs {
				buckets[kv.Key] = append(buckets[kv.Key], kv.Value)
			}
		}
		out := make(map[K]R, len(buckets))
		for k, values := range buckets {
			r, err := reducer(k, values)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	})
}
