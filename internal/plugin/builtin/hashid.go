package builtin

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/plugin"
)

var hashIDDescriptor = domain.PluginDescriptor{
	ID:          "hash-identify",
	Name:        "Hash Identifier",
	Version:     "1.0.0",
	Category:    domain.CategoryCrypto,
	Description: "Guess the algorithm behind a hash string",
	Author:      "phantom",
}

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Modular crypt prefixes, longest first.
var cryptPrefixes = []struct {
	prefix string
	name   string
}{
	{"$argon2id$", "Argon2id"},
	{"$argon2i$", "Argon2i"},
	{"$2a$", "bcrypt"},
	{"$2b$", "bcrypt"},
	{"$2y$", "bcrypt"},
	{"$6$", "sha512crypt"},
	{"$5$", "sha256crypt"},
	{"$1$", "md5crypt"},
	{"$apr1$", "Apache MD5"},
	{"$y$", "yescrypt"},
}

var hexLengths = map[int][]string{
	8:   {"CRC-32", "Adler-32"},
	16:  {"MySQL323", "Half MD5"},
	32:  {"MD5", "NTLM", "MD4"},
	40:  {"SHA-1", "RIPEMD-160", "MySQL5"},
	56:  {"SHA-224", "SHA3-224"},
	64:  {"SHA-256", "SHA3-256", "BLAKE2s-256", "BLAKE2b-256"},
	96:  {"SHA-384", "SHA3-384"},
	128: {"SHA-512", "SHA3-512", "BLAKE2b-512", "Whirlpool"},
}

type hashIdentify struct {
	plugin.Base
}

func (p *hashIdentify) Describe() domain.PluginDescriptor { return hashIDDescriptor.Clone() }

func (p *hashIdentify) Execute(_ context.Context, target string, _ map[string]any) (map[string]any, error) {
	h := strings.TrimSpace(target)
	if h == "" {
		return nil, errors.New("empty hash")
	}
	out := map[string]any{
		"hash":   h,
		"length": len(h),
	}
	candidates := identifyHash(h)
	out["candidates"] = candidates
	if len(candidates) > 0 && candidates[0] == "bcrypt" {
		if cost, err := bcrypt.Cost([]byte(h)); err == nil {
			out["bcrypt_cost"] = cost
		}
	}
	return out, nil
}

// identifyHash returns likely algorithms, most likely first.
func identifyHash(h string) []string {
	for _, c := range cryptPrefixes {
		if strings.HasPrefix(h, c.prefix) {
			return []string{c.name}
		}
	}
	if strings.HasPrefix(h, "*") && len(h) == 41 && hexPattern.MatchString(h[1:]) {
		return []string{"MySQL4.1+"}
	}
	if hexPattern.MatchString(h) {
		if names, ok := hexLengths[len(h)]; ok {
			return slices.Clone(names)
		}
	}
	return []string{}
}
