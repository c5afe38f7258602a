package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// keyMode encodes map keys in sorted order so keyword arguments never
// depend on call-site ordering.
var keyMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Key returns a deterministic cache key for an operation and its arguments.
// The operation name prefixes the key so different operations never collide.
func Key(op string, args []any, kwargs map[string]any) string {
	return op + ":" + digest(args, kwargs)
}

// TaggedKey is Key with a readable segment of sorted, escaped k=v tags between
// the operation and the digest: op:|k1=v1|k2=v2|:digest. Keys without tags use op:||:digest.
// Tags let callers evict every entry that mentions a tag with TagPattern.
func TaggedKey(op string, tags map[string]string, args []any, kwargs map[string]any) string {
	return op + ":" + tagSegment(tags) + ":" + digest(args, kwargs)
}

// Tag renders one escaped k=v pair as it appears in a TaggedKey.
func Tag(k, v string) string {
	return url.QueryEscape(k) + "=" + url.QueryEscape(v)
}

// TagPattern matches every TaggedKey of op carrying the tag k=v.
func TagPattern(op, k, v string) string {
	return op + ":*|" + Tag(k, v) + "|*"
}

// UntaggedPattern matches every TaggedKey of op without tags.
func UntaggedPattern(op string) string {
	return op + ":||:*"
}

// OpPattern matches every key of op.
func OpPattern(op string) string {
	return op + ":*"
}

func tagSegment(tags map[string]string) string {
	if len(tags) == 0 {
		return "||"
	}
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, Tag(k, v))
	}
	sort.Strings(pairs)
	return "|" + strings.Join(pairs, "|") + "|"
}

func digest(args []any, kwargs map[string]any) string {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	b, err := keyMode.Marshal([]any{args, kwargs})
	if err != nil {
		// fmt prints maps with sorted keys
		b = []byte(fmt.Sprintf("%v|%v", args, kwargs))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
