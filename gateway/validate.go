package gateway

import (
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
)

var (
	reScript    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reIframe    = regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`)
	reJSScheme  = regexp.MustCompile(`(?i)javascript:`)
	reDataImage = regexp.MustCompile(`^data:image/(jpeg|png);base64,`)
)

// allowed file extensions per media kind; the first one is picked when the client names none
var mediaExts = map[md.Kind][]string{
	md.KindAudio: {".wav", ".mp3", ".ogg"},
	md.KindVideo: {".mp4", ".webm"},
	md.KindPhoto: {".jpeg", ".jpg", ".png"},
}

var mediaSizeMax = map[md.Kind]int64{
	md.KindAudio: cst.AudioSizeMax,
	md.KindVideo: cst.VideoSizeMax,
	md.KindPhoto: cst.PhotoSizeMax,
}

func (req *CreateRequest) validate() *se.Err {
	if _, ok := md.KindVals[req.Kind]; !ok {
		return se.NewBadInput("invalid type, must be one of: text, photo, audio, video")
	}
	if req.MaxHits < cst.MaxHitsMin || req.MaxHits > cst.MaxHitsMax {
		return se.NewBadInput(fmt.Sprintf("max hits must be between %d and %d", cst.MaxHitsMin, cst.MaxHitsMax))
	}
	if req.MaxTime < cst.MaxTimeMin || req.MaxTime > cst.MaxTimeMax {
		return se.NewBadInput(fmt.Sprintf("max time must be between %d and %d minutes", cst.MaxTimeMin, cst.MaxTimeMax))
	}
	return nil
}

// SanitizeText trims the text and strips script and iframe elements along with javascript: schemes
func SanitizeText(s string) (string, *se.Err) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", se.NewBadInput("text content cannot be empty")
	}
	if utf8.RuneCountInString(s) > cst.TextSizeMax {
		return "", se.NewBadInput(fmt.Sprintf("text content too long (max %d characters)", cst.TextSizeMax))
	}
	s = reScript.ReplaceAllString(s, "")
	s = reIframe.ReplaceAllString(s, "")
	s = reJSScheme.ReplaceAllString(s, "")
	if s = strings.TrimSpace(s); s == "" {
		return "", se.NewBadInput("text content cannot be empty")
	}
	return s, nil
}

// mediaExt picks the file extension of media of given kind from the name the client gave it
func mediaExt(kind md.Kind, name string) (string, *se.Err) {
	allowed := mediaExts[kind]
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return allowed[0], nil
	}
	for _, a := range allowed {
		if ext == a {
			return ext, nil
		}
	}
	return "", se.NewBadInput(fmt.Sprintf("unsupported %s file extension %q", kind, ext))
}

// DecodeDataURI decodes a base64 data URI carrying a jpeg or png image no larger than max bytes
func DecodeDataURI(uri string, max int64) (data []byte, ext string, err *se.Err) {
	m := reDataImage.FindStringSubmatch(uri)
	if m == nil {
		return nil, "", se.NewBadInput("invalid data format, expecting a base64 jpeg or png data URI")
	}
	body := uri[len(m[0]):]
	if int64(base64.StdEncoding.DecodedLen(len(body))) > max+2 {
		return nil, "", se.NewOversized().WithMsg(fmt.Sprintf("photo too large (max %d bytes)", max))
	}
	data, derr := base64.StdEncoding.DecodeString(body)
	if derr != nil {
		return nil, "", se.NewBadInput("failed decoding data URI").WithCause(derr)
	}
	if int64(len(data)) > max {
		return nil, "", se.NewOversized().WithMsg(fmt.Sprintf("photo too large (max %d bytes)", max))
	}
	if len(data) == 0 {
		return nil, "", se.NewBadInput("media cannot be empty")
	}
	ext = "." + m[1]
	return data, ext, nil
}

// LimitReader dedicates to detecting oversized data: reading past its limit fails with an Oversized error.
type LimitReader struct {
	R    io.Reader // underlying reader
	n    int64     // max bytes remaining
	read int64
}

func NewLimitReader(r io.Reader, max int64) *LimitReader {
	// try reading one more byte above the limit. If r has no data left it returns (0, io.EOF), otherwise we know
	// the data is oversized
	return &LimitReader{R: r, n: max + 1}
}

func (r *LimitReader) Read(p []byte) (n int, err error) {
	if int64(len(p)) > r.n {
		p = p[0:r.n]
	}
	n, err = r.R.Read(p)
	r.n -= int64(n)
	r.read += int64(n)
	if r.n <= 0 {
		return 0, se.NewOversized()
	}
	return
}

// N returns the number of bytes read so far
func (r *LimitReader) N() int64 {
	return r.read
}
