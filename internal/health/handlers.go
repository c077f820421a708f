package health

import "net/http"

// HealthzHandler: 200 OK when probe passes, 503 otherwise (with reason)
func HealthzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ok\n")
}

// ReadyzHandler: 200 OK when probe passes, 503 otherwise (with reason)
func ReadyzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ready\n")
}

func handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}
