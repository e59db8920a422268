package patch

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/copyleftdev/synthmatch/internal/errors"
)

// StateEntry is one parameter in a saved synthesizer state.
type StateEntry struct {
	ID         int     `json:"id"`
	Desc       string  `json:"desc"`
	Value      float64 `json:"value"`
	Overridden bool    `json:"overridden"`
}

// SaveState writes the current patch and override flags as a JSON object
// keyed by parameter index.
func (m *Model) SaveState(w io.Writer) error {
	if len(m.params) == 0 {
		return errors.Wrap(ErrInvalidParameter, "parameters must be set before saving state")
	}

	state := make(map[string]StateEntry, len(m.params))
	for i, p := range m.params {
		state[strconv.Itoa(p.Index)] = StateEntry{
			ID:         p.Index,
			Desc:       p.Name,
			Value:      m.values[i],
			Overridden: m.isOverride[p.Index],
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(state)
}

// LoadState reads a state written by SaveState, applies its overrides and
// then its patch.
func (m *Model) LoadState(r io.Reader) error {
	values, overridden, err := ReadState(r)
	if err != nil {
		return err
	}
	if err := m.SetOverriddenParameters(overridden); err != nil {
		return err
	}
	return m.SetPatchValues(values)
}

// SaveStateFile writes the state to path, creating the directory if needed.
func (m *Model) SaveStateFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.SaveState(f)
}

// LoadStateFile loads a state file written by SaveStateFile.
func (m *Model) LoadStateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.LoadState(f)
}

// ReadState splits a saved state into free values and overridden values,
// both sorted by index.
func ReadState(r io.Reader) (Patch, Patch, error) {
	var state map[string]StateEntry
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return nil, nil, errors.Wrap(err, "decoding synth state")
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var values, overridden Patch
	for _, k := range keys {
		entry := state[k]
		pv := Value{Index: entry.ID, Value: entry.Value}
		if entry.Overridden {
			overridden = append(overridden, pv)
		} else {
			values = append(values, pv)
		}
	}
	return values.Sorted(), overridden.Sorted(), nil
}

// ParseOverrides parses "index:value" pairs separated by commas, e.g.
// "0:0.5,3:0.25". An empty string yields no overrides.
func ParseOverrides(raw string) (Patch, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out Patch
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idxStr, valStr, ok := strings.Cut(item, ":")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidParameter, "override %q is not index:value", item)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidParameter, "override index %q", idxStr)
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(valStr), 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidParameter, "override value %q", valStr)
		}
		out = append(out, Value{Index: idx, Value: val})
	}
	return out, nil
}
