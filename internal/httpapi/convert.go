package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// The protobuf wire form of every body is a google.protobuf.Value holding
// the same document as the JSON form, so one set of wire types serves both.

// decodeBody fills v from a JSON or protobuf request body. Unknown fields
// are rejected in both encodings.
func decodeBody(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if isProtobuf(r) {
		pv, err := readProto(body)
		if err != nil {
			return fmt.Errorf("decode protobuf: %w", err)
		}
		if body, err = protojson.Marshal(pv); err != nil {
			return fmt.Errorf("decode protobuf: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// toProto converts a JSON-encodable value into its protobuf form.
func toProto(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var pv structpb.Value
	if err := protojson.Unmarshal(data, &pv); err != nil {
		return nil, err
	}
	return &pv, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respond writes v in the encoding the client negotiated.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	pv, err := toProto(v)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	writeProto(w, status, pv)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	respond(w, r, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
