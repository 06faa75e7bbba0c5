package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	"wuyrush.io/shout/gateway"
	md "wuyrush.io/shout/models"
)

const (
	formFieldType    = "type"
	formFieldMaxHits = "maxhits"
	formFieldMaxTime = "maxtime"
	formFieldData    = "data"
	// inline data is either text or a photo data URI
	inlineDataSizeMax = cst.PhotoSizeMax/3*4 + 64
)

type fieldProcCfg struct {
	LimitBytes int64                                         // form field value size limit in bytes
	Process    func(string, *gateway.CreateRequest) *se.Err // logic to parse form field value
}

var createFormFields = map[string]fieldProcCfg{
	formFieldType: {
		LimitBytes: 16,
		Process: func(s string, req *gateway.CreateRequest) *se.Err {
			req.Kind = md.Kind(strings.ToLower(strings.TrimSpace(s)))
			return nil
		},
	},
	formFieldMaxHits: {
		LimitBytes: 16,
		Process: func(s string, req *gateway.CreateRequest) *se.Err {
			v, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return se.NewBadInput("max hits must be a valid integer").WithCause(err)
			}
			req.MaxHits = v
			return nil
		},
	},
	formFieldMaxTime: {
		LimitBytes: 16,
		Process: func(s string, req *gateway.CreateRequest) *se.Err {
			v, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return se.NewBadInput("max time must be a valid integer").WithCause(err)
			}
			req.MaxTime = v
			return nil
		},
	},
}

// parseCreateRequest fills req, which carries the defaults, from the request body. Media uploaded as a
// multipart file is not read here: req.Media streams it, so the caller must consume req before the request
// ends.
func parseCreateRequest(r *http.Request, req *gateway.CreateRequest) *se.Err {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return se.NewBadInput("missing or invalid content type").WithCause(err)
	}
	switch ct {
	case "multipart/form-data":
		mr, err := r.MultipartReader()
		if err != nil {
			return se.NewBadInput("error reading form data").WithCause(err)
		}
		return parseMultipart(mr, req)
	case "application/json":
		return parseJSON(r.Body, req)
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return bodyErr(err, "error parsing form")
		}
		for name, cfg := range createFormFields {
			if v := r.PostForm.Get(name); v != "" {
				if err := cfg.Process(v, req); err != nil {
					return err
				}
			}
		}
		setInline(req, r.PostForm.Get(formFieldData))
		return nil
	default:
		return se.NewBadInput(fmt.Sprintf("unsupported content type %s", ct))
	}
}

/*
	The form is stream-processed: the service reads only the parts it knows, each through a size limit,
	instead of buffering whatever the client sends the way http.ParseMultipartForm does. A file in the data
	part ends the processing and is streamed straight to the file store; hence the data part must come last.
*/
func parseMultipart(mr *multipart.Reader, req *gateway.CreateRequest) *se.Err {
	inline := ""
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return bodyErr(err, "error reading form part")
		}
		name := part.FormName()
		if name == formFieldData {
			if fn := part.FileName(); fn != "" {
				req.Media, req.MediaName = part, fn
				return nil
			}
			v, perr := readField(part, formFieldData, inlineDataSizeMax)
			if perr != nil {
				return perr
			}
			inline = v
			continue
		}
		cfg, ok := createFormFields[name]
		if !ok {
			part.Close()
			continue
		}
		v, perr := readField(part, name, cfg.LimitBytes)
		if perr != nil {
			return perr
		}
		if perr := cfg.Process(v, req); perr != nil {
			return perr
		}
	}
	setInline(req, inline)
	return nil
}

func readField(part *multipart.Part, name string, limit int64) (string, *se.Err) {
	defer part.Close()
	bytes, err := ioutil.ReadAll(gateway.NewLimitReader(part, limit))
	if err != nil {
		if v, ok := se.As(err); ok && v.Code == se.ErrCodeOversized {
			return "", v.WithMsg(fmt.Sprintf("got oversized data for form field %s", name))
		}
		return "", bodyErr(err, fmt.Sprintf("failed to read value of form field %s", name))
	}
	return string(bytes), nil
}

// setInline places inline data where the shout kind expects it
func setInline(req *gateway.CreateRequest, inline string) {
	if req.Kind.Media() {
		req.DataURI = inline
		return
	}
	req.Text = inline
}

// flexInt accepts both JSON numbers and numeric strings
type flexInt struct {
	v   int
	set bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

func parseJSON(body io.Reader, req *gateway.CreateRequest) *se.Err {
	var in struct {
		Type    string  `json:"type"`
		MaxHits flexInt `json:"maxhits"`
		MaxTime flexInt `json:"maxtime"`
		Data    string  `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		return bodyErr(err, "error decoding request body")
	}
	if in.Type != "" {
		req.Kind = md.Kind(strings.ToLower(in.Type))
	}
	if in.MaxHits.set {
		req.MaxHits = in.MaxHits.v
	}
	if in.MaxTime.set {
		req.MaxTime = in.MaxTime.v
	}
	setInline(req, in.Data)
	return nil
}

// bodyErr tells oversized request bodies apart from malformed ones
func bodyErr(err error, msg string) *se.Err {
	if v, ok := se.As(err); ok {
		return v
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return se.NewOversized().WithMsg(cst.ErrMsgRequestBodyTooLarge)
	}
	logging.WithFuncName().WithError(err).Debug(msg)
	return se.NewBadInput(msg).WithCause(err)
}
