package epdq

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/xml"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

const (
	paramShaSign           = "SHASIGN"
	browserColorDepth      = "browserColorDepth"
	browserLanguage        = "browserLanguage"
	defaultBrowserColorDep = "24"
)

var validColorDepths = map[string]bool{
	"1": true, "2": true, "4": true, "8": true, "15": true, "16": true, "24": true, "32": true,
}

// params keeps ePDQ request parameters. Empty values are never sent.
type params map[string]string

func (p params) add(key, value string) params {
	if value != "" {
		p[key] = value
	}
	return p
}

// sign computes SHASIGN: SHA-512 over KEY=value+passphrase for every
// parameter, ordered by upper-cased key.
func (p params) sign(passphrase string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToUpper(keys[i]) < strings.ToUpper(keys[j])
	})

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strings.ToUpper(k))
		b.WriteString("=")
		b.WriteString(p[k])
		b.WriteString(passphrase)
	}
	sum := sha512.Sum512([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (p params) encode(passphrase string) []byte {
	values := url.Values{}
	for k, v := range p {
		values.Set(k, v)
	}
	values.Set(paramShaSign, p.sign(passphrase))
	return []byte(values.Encode())
}

func colorDepth(depth string) string {
	if validColorDepths[depth] {
		return depth
	}
	return defaultBrowserColorDep
}

// languageTag normalises the navigator language. Unparseable tags are dropped.
func languageTag(tag string) string {
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return ""
	}
	return parsed.String()
}

type ncResponse struct {
	XMLName     xml.Name `xml:"ncresponse"`
	OrderID     string   `xml:"orderID,attr"`
	PayID       string   `xml:"PAYID,attr"`
	NCStatus    string   `xml:"NCSTATUS,attr"`
	NCError     string   `xml:"NCERROR,attr"`
	NCErrorPlus string   `xml:"NCERRORPLUS,attr"`
	Status      string   `xml:"STATUS,attr"`
	HTMLAnswer  string   `xml:"HTML_ANSWER"`
}

func decode(body []byte) (*ncResponse, error) {
	var r ncResponse
	if err := xml.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *ncResponse) hasError() bool {
	return r.NCError != "" && r.NCError != "0"
}

func amountString(minor int64) string {
	return strconv.FormatInt(minor, 10)
}
