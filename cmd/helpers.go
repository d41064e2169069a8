package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

type envelope map[string]interface{}

const maxBodyBytes = 1 << 20

func (ac *appContext) writeJSON(w http.ResponseWriter, status int, data envelope, headers http.Header) error {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}
	js = append(js, '\n')

	for key, value := range headers {
		w.Header()[key] = value
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(js)
	return err
}

// readJSON decodes a single JSON object from the request body into dst.
func (ac *appContext) readJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("body must not be empty")
		}
		return fmt.Errorf("malformed body: %w", err)
	}
	if dec.More() {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

func (ac *appContext) errorResponse(w http.ResponseWriter, status int, message interface{}) {
	env := envelope{"error": message}
	err := ac.writeJSON(w, status, env, nil)
	if err != nil {
		ac.logError(err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (ac *appContext) logError(err error) {
	ac.Logger.Error("request failed", zap.Error(err), zap.ByteString("stack", debug.Stack()))
}
