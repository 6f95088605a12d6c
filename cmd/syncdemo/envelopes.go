package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shinyes/yep_sync/pkg/envelope"
)

// readEnvelopes loads a JSON array of envelopes or one envelope per line.
func readEnvelopes(r io.Reader) ([]*envelope.Envelope, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var envs []*envelope.Envelope
		if err := dec.Decode(&envs); err != nil {
			return nil, fmt.Errorf("decode envelope array: %w", err)
		}
		return envs, nil
	}

	var envs []*envelope.Envelope
	for {
		var env envelope.Envelope
		err := dec.Decode(&env)
		if errors.Is(err, io.EOF) {
			return envs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode envelope %d: %w", len(envs)+1, err)
		}
		envs = append(envs, &env)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

func readEnvelopeFile(path string) ([]*envelope.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readEnvelopes(f)
}

// appendEnvelope writes env as one JSON line at the end of path.
func appendEnvelope(path string, env *envelope.Envelope) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
