package json

import (
	"encoding/json"
	"net/http"
)

// maxBodyBytes caps request bodies; every payload the gateway accepts is a small credential form.
const maxBodyBytes = 64 << 10

func Write(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	return nil
}

func Read(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return decoder.Decode(v)
}
