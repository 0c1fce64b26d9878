package resource

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/chuanqiongzhr/eve-service/internal/store"
)

// derivedKeyPrefix marks natural keys computed from record content.
const derivedKeyPrefix = "derived:"

// DerivedKey builds a stable natural key for an entry without a provider id.
// The description is NFC-normalized so visually identical text from
// different encoders hashes the same.
func DerivedKey(date, refType, amount, description string) string {
	h := sha256.New()

	for _, part := range []string{date, refType, amount, norm.NFC.String(strings.TrimSpace(description))} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}

	return derivedKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// splitArray decodes a JSON array into compacted elements. Compaction keeps
// content hashes independent of the server's whitespace.
func splitArray(body []byte) ([]json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, fmt.Errorf("resource: page is not a JSON array: %w", err)
	}

	out := make([]json.RawMessage, 0, len(elems))

	for _, e := range elems {
		var buf bytes.Buffer
		if err := json.Compact(&buf, e); err != nil {
			return nil, fmt.Errorf("resource: compacting element: %w", err)
		}

		out = append(out, buf.Bytes())
	}

	return out, nil
}

func decodeObject(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	return dec.Decode(v)
}

type journalEntry struct {
	ID          *int64      `json:"id"`
	Date        string      `json:"date"`
	RefType     string      `json:"ref_type"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
}

func decodeWalletJournal(body []byte) ([]store.Record, error) {
	elems, err := splitArray(body)
	if err != nil {
		return nil, err
	}

	out := make([]store.Record, 0, len(elems))

	for i, raw := range elems {
		var e journalEntry
		if err := decodeObject(raw, &e); err != nil {
			return nil, fmt.Errorf("resource: journal entry %d: %w", i, err)
		}

		r := store.Record{Payload: raw}

		if e.ID != nil && *e.ID > 0 {
			r.Key = strconv.FormatInt(*e.ID, 10)
			r.SortKey = *e.ID
			r.HasSortKey = true
		} else {
			if e.Date == "" {
				return nil, fmt.Errorf("resource: journal entry %d has neither id nor date", i)
			}

			r.Key = DerivedKey(e.Date, e.RefType, e.Amount.String(), e.Description)
		}

		out = append(out, r)
	}

	return out, nil
}

type loyaltyEntry struct {
	CorporationID *int64 `json:"corporation_id"`
}

func decodeLoyaltyPoints(body []byte) ([]store.Record, error) {
	elems, err := splitArray(body)
	if err != nil {
		return nil, err
	}

	out := make([]store.Record, 0, len(elems))

	for i, raw := range elems {
		var e loyaltyEntry
		if err := decodeObject(raw, &e); err != nil {
			return nil, fmt.Errorf("resource: loyalty entry %d: %w", i, err)
		}

		if e.CorporationID == nil {
			return nil, fmt.Errorf("resource: loyalty entry %d has no corporation_id", i)
		}

		out = append(out, store.Record{Key: strconv.FormatInt(*e.CorporationID, 10), Payload: raw})
	}

	return out, nil
}

type missionEntry struct {
	ID     json.RawMessage `json:"id"`
	Status string          `json:"status"`
}

func decodeMissions(body []byte) ([]store.Record, error) {
	elems, err := splitArray(body)
	if err != nil {
		return nil, err
	}

	out := make([]store.Record, 0, len(elems))

	for i, raw := range elems {
		var e missionEntry
		if err := decodeObject(raw, &e); err != nil {
			return nil, fmt.Errorf("resource: mission %d: %w", i, err)
		}

		key, err := scalarKey(e.ID)
		if err != nil {
			return nil, fmt.Errorf("resource: mission %d: %w", i, err)
		}

		out = append(out, store.Record{Key: key, Status: e.Status, Payload: raw})
	}

	return out, nil
}

// scalarKey accepts an id that is either a JSON string or a JSON number.
func scalarKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("missing id")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("empty id")
		}

		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id %s is neither string nor number", raw)
	}

	return n.String(), nil
}
