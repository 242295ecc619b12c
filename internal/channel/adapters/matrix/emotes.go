package matrix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/sticker/internal/catalog"
)

const (
	roomEmotesType = "im.ponies.room_emotes"
	userEmotesType = "im.ponies.user_emotes"
	userPackName   = "user"
)

var emoteShortcode = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// emotePack is the MSC2545 image pack body shared by room state and
// account data.
type emotePack struct {
	Images map[string]emoteImage `json:"images"`
	Pack   struct {
		DisplayName string `json:"display_name"`
	} `json:"pack"`
}

type emoteImage struct {
	URL  string `json:"url"`
	Body string `json:"body"`
	Info struct {
		MimeType string `json:"mimetype"`
	} `json:"info"`
}

// packState is one emote pack state event in a room.
type packState struct {
	stateKey string
	raw      json.RawMessage
}

// importable returns the save inputs for pack in shortcode order, dropping
// malformed shortcodes and non-mxc urls.
func (p emotePack) importable(packName, roomID string) []catalog.SaveInput {
	codes := make([]string, 0, len(p.Images))
	for code := range p.Images {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	inputs := make([]catalog.SaveInput, 0, len(codes))
	for _, code := range codes {
		img := p.Images[code]
		code = strings.Trim(strings.TrimSpace(code), ":")
		if !emoteShortcode.MatchString(code) {
			continue
		}
		url := strings.TrimSpace(img.URL)
		if !strings.HasPrefix(url, "mxc://") {
			continue
		}
		inputs = append(inputs, catalog.SaveInput{
			Token:      code,
			Pack:       packName,
			MediaRef:   url,
			Mime:       strings.TrimSpace(img.Info.MimeType),
			SourceRoom: roomID,
		})
	}
	return inputs
}

func packName(p emotePack, stateKey, fallback string) string {
	if name := strings.TrimSpace(p.Pack.DisplayName); name != "" {
		return name
	}
	if key := strings.TrimSpace(stateKey); key != "" {
		return key
	}
	return fallback
}

// roomPacks extracts emote pack events from a full room state dump, ordered
// by state key.
func roomPacks(state mautrix.RoomStateMap) []packState {
	var packs []packState
	for evtType, byKey := range state {
		if evtType.Type != roomEmotesType {
			continue
		}
		for key, evt := range byKey {
			if evt == nil || len(evt.Content.VeryRaw) == 0 {
				continue
			}
			packs = append(packs, packState{stateKey: key, raw: evt.Content.VeryRaw})
		}
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].stateKey < packs[j].stateKey })
	return packs
}

func fingerprint(packs []packState) string {
	h := sha256.New()
	for _, p := range packs {
		h.Write([]byte(p.stateKey))
		h.Write([]byte{0})
		h.Write(p.raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResetAvailable forgets the per-room fingerprints so the next pass re-reads
// every room. Only the first call has an effect.
func (s *session) ResetAvailable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetDone {
		return nil
	}
	s.fingerprints = map[string]string{}
	s.resetDone = true
	return nil
}

// SyncUserMedia imports the account's personal emote pack. Only the first
// successful call does any work.
func (s *session) SyncUserMedia(ctx context.Context) (int, error) {
	s.mu.Lock()
	done := s.userSynced
	s.mu.Unlock()
	if done {
		return 0, nil
	}
	var pack emotePack
	if err := s.client.GetAccountData(ctx, userEmotesType, &pack); err != nil {
		if !errors.Is(err, mautrix.MNotFound) {
			return 0, fmt.Errorf("read user emotes: %w", err)
		}
	}
	changed, err := s.importPack(ctx, pack.importable(packName(pack, "", userPackName), ""))
	if err != nil {
		return changed, err
	}
	s.mu.Lock()
	s.userSynced = true
	s.mu.Unlock()
	return changed, nil
}

// SyncRoomMedia imports every emote pack in room. Rooms whose packs did not
// change since the last successful pass are skipped.
func (s *session) SyncRoomMedia(ctx context.Context, room string) (int, error) {
	roomID := id.RoomID(strings.TrimSpace(room))
	state, err := s.client.State(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("read room state: %w", err)
	}
	packs := roomPacks(state)
	fp := fingerprint(packs)

	s.mu.Lock()
	prev, seen := s.fingerprints[room]
	s.mu.Unlock()
	if seen && prev == fp {
		return 0, nil
	}

	var inputs []catalog.SaveInput
	for _, p := range packs {
		var pack emotePack
		if err := json.Unmarshal(p.raw, &pack); err != nil {
			s.logger.Warn("malformed emote pack",
				slog.String("room", room),
				slog.String("state_key", p.stateKey),
				slog.Any("error", err))
			continue
		}
		inputs = append(inputs, pack.importable(packName(pack, p.stateKey, room), room)...)
	}
	changed, err := s.importPack(ctx, inputs)
	if err != nil {
		return changed, err
	}
	s.mu.Lock()
	s.fingerprints[room] = fp
	s.mu.Unlock()
	if changed > 0 {
		s.logger.Info("room emotes synced", slog.String("room", room), slog.Int("changed", changed))
	}
	return changed, nil
}

func (s *session) importPack(ctx context.Context, inputs []catalog.SaveInput) (int, error) {
	if len(inputs) == 0 {
		return 0, nil
	}
	if s.adapter.catalog == nil {
		return 0, catalog.ErrNotReady
	}
	changed := 0
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		_, ok, err := s.adapter.catalog.Upsert(ctx, input)
		if err != nil {
			if errors.Is(err, catalog.ErrInvalidName) {
				continue
			}
			return changed, fmt.Errorf("import %s: %w", input.Token, err)
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}
