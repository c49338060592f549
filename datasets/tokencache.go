package datasets

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/pkg/errors"

	"github.com/Noofbiz/gluetune/tokenizer"
)

// defaultTokenCacheBytes bounds the in-memory token cache.
const defaultTokenCacheBytes = 64 << 20

// TokenCache memoizes encodings across runs. It is persisted to a directory
// with Save and reloaded by OpenTokenCache, so a second run over the same
// task skips tokenization entirely. Safe for concurrent use.
type TokenCache struct {
	cache     *fastcache.Cache
	path      string
	namespace string
}

// OpenTokenCache loads the cache saved at path, or starts an empty one.
// namespace separates entries of different tokenizers sharing a directory.
func OpenTokenCache(path, namespace string, maxBytes int) *TokenCache {
	if maxBytes <= 0 {
		maxBytes = defaultTokenCacheBytes
	}
	return &TokenCache{
		cache:     fastcache.LoadFromFileOrNew(path, maxBytes),
		path:      path,
		namespace: namespace,
	}
}

// Get returns the cached encoding of the given texts at maxLen.
func (c *TokenCache) Get(texts []string, maxLen int) (tokenizer.Encoding, bool) {
	raw, ok := c.cache.HasGet(nil, c.key(texts, maxLen))
	if !ok {
		return tokenizer.Encoding{}, false
	}
	enc, err := decodeEncoding(raw)
	if err != nil {
		return tokenizer.Encoding{}, false
	}
	return enc, true
}

// Set stores enc under the given texts and maxLen.
func (c *TokenCache) Set(texts []string, maxLen int, enc tokenizer.Encoding) {
	c.cache.Set(c.key(texts, maxLen), encodeEncoding(enc))
}

// Save writes the cache to its directory.
func (c *TokenCache) Save() error {
	if c.path == "" {
		return nil
	}
	if err := c.cache.SaveToFile(c.path); err != nil {
		return errors.Wrapf(err, "save token cache %s", c.path)
	}
	return nil
}

// Stats returns lookups, misses and stored entries since the cache was opened.
func (c *TokenCache) Stats() (lookups, misses, entries uint64) {
	var s fastcache.Stats
	c.cache.UpdateStats(&s)
	return s.GetCalls, s.Misses, s.EntriesCount
}

func (c *TokenCache) key(texts []string, maxLen int) []byte {
	var b strings.Builder
	b.WriteString(c.namespace)
	b.WriteByte(0x1f)
	b.WriteString(strconv.Itoa(maxLen))
	for _, t := range texts {
		b.WriteByte(0x1e)
		b.WriteString(t)
	}
	return []byte(b.String())
}

// encodeEncoding lays out the three id slices back to back as little-endian int32.
func encodeEncoding(enc tokenizer.Encoding) []byte {
	n := len(enc.InputIDs)
	buf := make([]byte, 0, 12*n)
	for _, field := range [][]int32{enc.InputIDs, enc.TokenTypeIDs, enc.AttentionMask} {
		for _, v := range field {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		}
	}
	return buf
}

func decodeEncoding(raw []byte) (tokenizer.Encoding, error) {
	if len(raw)%12 != 0 {
		return tokenizer.Encoding{}, errors.Errorf("token cache entry has %d bytes", len(raw))
	}
	n := len(raw) / 12
	read := func(offset int) []int32 {
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[(offset+i)*4:]))
		}
		return out
	}
	return tokenizer.Encoding{
		InputIDs:      read(0),
		TokenTypeIDs:  read(n),
		AttentionMask: read(2 * n),
	}, nil
}
