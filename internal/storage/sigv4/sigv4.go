// Package sigv4 computes AWS Signature Version 4 Authorization headers for
// the path-style PUT and DELETE requests issued by the storage client.
//
// Sign is pure: the same request, credentials and timestamp always yield the
// same header, which is what makes it testable without a network.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm      = "AWS4-HMAC-SHA256"
	DefaultService = "s3"

	amzDateFormat   = "20060102T150405Z"
	shortDateFormat = "20060102"
	terminator      = "aws4_request"
)

// EmptyPayloadHash is the hex SHA-256 of a zero-length body.
var EmptyPayloadHash = PayloadHash(nil)

type Request struct {
	Method      string
	Path        string
	Host        string
	Headers     map[string]string
	PayloadHash string
}

type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string
}

func (c Credentials) service() string {
	if c.Service == "" {
		return DefaultService
	}
	return c.Service
}

func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func AmzDate(t time.Time) string {
	return t.UTC().Format(amzDateFormat)
}

// Sign returns the value of the Authorization header. The host header is
// always signed; Request.Host wins over any "host" entry in Headers.
func Sign(req Request, creds Credentials, ts time.Time) string {
	ts = ts.UTC()
	shortDate := ts.Format(shortDateFormat)
	scope := CredentialScope(shortDate, creds.Region, creds.service())

	canonical, signedHeaders := CanonicalRequest(req)
	stringToSign := StringToSign(AmzDate(ts), scope, canonical)

	key := SigningKey(creds.SecretKey, shortDate, creds.Region, creds.service())
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	return Algorithm + " Credential=" + creds.AccessKey + "/" + scope +
		", SignedHeaders=" + signedHeaders +
		", Signature=" + signature
}

func CredentialScope(shortDate, region, service string) string {
	return strings.Join([]string{shortDate, region, service, terminator}, "/")
}

// CanonicalRequest builds the canonical request text and the semicolon
// separated signed header list. The query string is always empty.
func CanonicalRequest(req Request) (string, string) {
	headers := make(map[string]string, len(req.Headers)+1)
	for name, value := range req.Headers {
		headers[strings.ToLower(strings.TrimSpace(name))] = canonicalHeaderValue(value)
	}
	if req.Host != "" {
		headers["host"] = canonicalHeaderValue(req.Host)
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var block strings.Builder
	for _, name := range names {
		block.WriteString(name)
		block.WriteByte(':')
		block.WriteString(headers[name])
		block.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	payloadHash := req.PayloadHash
	if payloadHash == "" {
		payloadHash = EmptyPayloadHash
	}

	canonical := strings.Join([]string{
		strings.ToUpper(req.Method),
		CanonicalURI(req.Path),
		"",
		block.String(),
		signedHeaders,
		payloadHash,
	}, "\n")
	return canonical, signedHeaders
}

func StringToSign(amzDate, scope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

func SigningKey(secret, shortDate, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(shortDate))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte(terminator))
}

// CanonicalURI percent-encodes every path segment per RFC 3986 while leaving
// the "/" separators intact. Object keys such as "2024/01/02/x_thumb.jpg"
// must keep their slashes or the server computes a different signature.
func CanonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = escapeSegment(segment)
	}
	uri := strings.Join(segments, "/")
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return uri
}

func escapeSegment(segment string) string {
	return segmentReplacer.Replace(url.PathEscape(segment))
}

// PathEscape leaves these reserved characters alone inside a segment; SigV4
// wants everything outside the unreserved set encoded.
var segmentReplacer = strings.NewReplacer(
	"$", "%24",
	"&", "%26",
	"+", "%2B",
	":", "%3A",
	"=", "%3D",
	"@", "%40",
)

func canonicalHeaderValue(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
