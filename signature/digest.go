package signature

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"net/http"

	"github.com/dunglas/httpsfv"
)

// ContentDigest renders the content-digest header for body. An empty body
// gives sha-256=:47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=:
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	dict := httpsfv.NewDictionary()
	dict.Add("sha-256", httpsfv.NewItem(sum[:]))
	out, err := httpsfv.Marshal(dict)
	if err != nil {
		// a byte sequence under a fixed key always serializes
		panic(err)
	}
	return out
}

// checkDigest compares every supported digest in the header with body.
func checkDigest(header http.Header, body []byte) error {
	values := header.Values("Content-Digest")
	if len(values) == 0 {
		return reject(ErrMissingDigest, "")
	}

	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return reject(ErrDigestMismatch, "unparseable content-digest: %v", err)
	}

	checked := 0
	for _, alg := range dict.Names() {
		var sum []byte
		switch alg {
		case "sha-256":
			s := sha256.Sum256(body)
			sum = s[:]
		case "sha-512":
			s := sha512.Sum512(body)
			sum = s[:]
		default:
			continue
		}

		member, _ := dict.Get(alg)
		item, ok := member.(httpsfv.Item)
		if !ok {
			return reject(ErrDigestMismatch, "%s is not a byte sequence", alg)
		}
		claimed, ok := item.Value.([]byte)
		if !ok {
			return reject(ErrDigestMismatch, "%s is not a byte sequence", alg)
		}
		if subtle.ConstantTimeCompare(claimed, sum) != 1 {
			return reject(ErrDigestMismatch, "%s differs", alg)
		}
		checked++
	}

	if checked == 0 {
		return reject(ErrDigestMismatch, "no supported digest algorithm")
	}
	return nil
}
