package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxRequestBodyBytes bounds form and JSON request bodies
const maxRequestBodyBytes = 64 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(paramName)
	return v
}

// paramName reports the wire name of a parameter field, taken from its json tag
func paramName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// authorizeParams are the query parameters of GET /oauth/authorize
type authorizeParams struct {
	ClientID     string `json:"client_id" validate:"required,max=255"`
	RedirectURI  string `json:"redirect_uri" validate:"required,max=2048"`
	ResponseType string `json:"response_type" validate:"omitempty,oneof=code"`
	Scope        string `json:"scope" validate:"max=1024"`
	State        string `json:"state" validate:"max=1024"`
}

// decisionParams are the consent form fields of POST /oauth/authorize
type decisionParams struct {
	ClientID    string     `json:"client_id" validate:"required,max=255"`
	RedirectURI string     `json:"redirect_uri" validate:"required,max=2048"`
	Scope       string     `json:"scope" validate:"max=1024"`
	State       string     `json:"state" validate:"max=1024"`
	Approve     paramValue `json:"approve" validate:"required,boolean"`
}

// tokenParams are the fields of POST /oauth/token. Grant specific fields are
// checked by the server once the client is authenticated.
type tokenParams struct {
	GrantType    string `json:"grant_type" validate:"required,max=64"`
	ClientID     string `json:"client_id" validate:"max=255"`
	ClientSecret string `json:"client_secret" validate:"max=255"`
	Code         string `json:"code" validate:"max=512"`
	RedirectURI  string `json:"redirect_uri" validate:"max=2048"`
	RefreshToken string `json:"refresh_token" validate:"max=512"`
}

// revocationParams are the fields of POST /oauth/revoke. Nothing is
// validated: any token that cannot be found is acknowledged.
type revocationParams struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
}

// paramValue is a string parameter that also accepts JSON booleans and numbers,
// so {"approve": true} and approve=1 decode alike.
type paramValue string

// UnmarshalJSON implements json.Unmarshaler
func (p *paramValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*p = ""
	case string:
		*p = paramValue(v)
	case bool:
		*p = paramValue(strconv.FormatBool(v))
	case float64:
		*p = paramValue(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return fmt.Errorf("unsupported value %s", data)
	}
	return nil
}

// Bool parses the value as a boolean ("1", "true", "0", "false", ...)
func (p paramValue) Bool() bool {
	b, _ := strconv.ParseBool(string(p))
	return b
}

// decodeQuery binds and validates URL query parameters
func decodeQuery(r *http.Request, dst any) error {
	bindValues(r.URL.Query(), dst)
	return validateParams(dst)
}

// decodeBody binds and validates a form encoded or JSON request body
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return ErrInvalidRequest("Failed to parse request")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return ErrInvalidRequest("Failed to parse request")
		}
		bindValues(r.PostForm, dst)
	}
	return validateParams(dst)
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// bindValues copies form values into the string fields of dst by wire name.
// Values are bound verbatim, as they are from a JSON body.
func bindValues(values url.Values, dst any) {
	v := reflect.ValueOf(dst).Elem()
	t := v.Type()
	for i := range t.NumField() {
		name := paramName(t.Field(i))
		field := v.Field(i)
		if name == "" || field.Kind() != reflect.String || !field.CanSet() {
			continue
		}
		field.SetString(values.Get(name))
	}
}

// validateParams runs struct validation and reports the first failure as invalid_request
func validateParams(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return ErrInvalidRequest("Invalid request parameters")
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return ErrInvalidRequest(fmt.Sprintf("Required parameter '%s' missing", fe.Field()))
	case "max":
		return ErrInvalidRequest(fmt.Sprintf("Parameter '%s' is too long", fe.Field()))
	default:
		return ErrInvalidRequest(fmt.Sprintf("Invalid value for parameter '%s'", fe.Field()))
	}
}
