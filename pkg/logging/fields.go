package logging

import "time"

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Portal field helpers

func Component(name string) Field {
	return String("component", name)
}

func RequestID(id string) Field {
	return String("request_id", id)
}

// Reason names why an envelope was rejected.
func Reason(r string) Field {
	return String("reason", r)
}

func Algorithm(a string) Field {
	return String("algorithm", a)
}

func Route(r string) Field {
	return String("route", r)
}

func Method(m string) Field {
	return String("method", m)
}

func Status(code int) Field {
	return Int("status", code)
}

func Encrypted(b bool) Field {
	return Bool("encrypted", b)
}

func RemoteAddr(addr string) Field {
	return String("remote_addr", addr)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}
