package envelope

// OpenFunc validates and decrypts a single envelope.
type OpenFunc func(env *Envelope) (any, error)

// OpenTree walks a decoded JSON value and replaces every sub-tree that
// type-guards as an envelope with the result of open. It returns the new
// value and the number of envelopes opened. The input is not modified.
// Decrypted values are not walked again.
func OpenTree(v any, open OpenFunc) (any, int, error) {
	switch t := v.(type) {
	case map[string]any:
		if IsEnvelope(t) {
			env, err := FromValue(t)
			if err != nil {
				return nil, 0, err
			}
			plain, err := open(env)
			if err != nil {
				return nil, 0, err
			}
			return plain, 1, nil
		}

		out := make(map[string]any, len(t))
		total := 0
		for k, child := range t {
			opened, n, err := OpenTree(child, open)
			if err != nil {
				return nil, 0, err
			}
			out[k] = opened
			total += n
		}
		return out, total, nil

	case []any:
		out := make([]any, len(t))
		total := 0
		for i, child := range t {
			opened, n, err := OpenTree(child, open)
			if err != nil {
				return nil, 0, err
			}
			out[i] = opened
			total += n
		}
		return out, total, nil

	default:
		return v, 0, nil
	}
}
