package logattr

import "log/slog"

func Topic[T ~string](topic T) slog.Attr {
	return slog.String("topic", string(topic))
}

func ProjectID[T ~int](id T) slog.Attr {
	return slog.Int("project_id", int(id))
}

func Status(code int) slog.Attr {
	return slog.Int("status_code", code)
}

func State[T ~string](state T) slog.Attr {
	return slog.String("state", string(state))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
