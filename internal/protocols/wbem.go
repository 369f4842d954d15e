package protocols

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultWBEMTimeout = 60 * time.Second

// PathProperty selects the object path of each returned instance.
const PathProperty = "__PATH"

type wbemClient struct {
	client *http.Client
	logger zerolog.Logger
}

// NewWBEMClient returns a WBEMClient speaking CIM-XML ExecQuery over HTTP(S).
func NewWBEMClient(logger zerolog.Logger) WBEMClient {
	return &wbemClient{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		logger: logger.With().Str("component", "wbem_client").Logger(),
	}
}

func (c *wbemClient) Query(ctx context.Context, hostname string, cfg *WBEMConfig, query, namespace string) ([][]string, error) {
	if cfg == nil {
		return nil, ErrProtocolNotConfigured
	}
	if namespace == "" {
		namespace = GetRegistry().MustProtocol(ProtocolWBEM).DefaultNamespace
	}

	ctx, cancel := context.WithTimeout(ctx, Seconds(cfg.TimeoutSeconds, defaultWBEMTimeout))
	defer cancel()

	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	port := GetRegistry().MustProtocol(ProtocolWBEM).Port(cfg.Port, cfg.HTTPS)
	url := fmt.Sprintf("%s://%s:%d/cimom", scheme, hostname, port)

	body, err := buildExecQuery(query, namespace)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build CIM request: %w", err)
	}
	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	req.Header.Set("CIMOperation", "MethodCall")
	req.Header.Set("CIMMethod", "ExecQuery")
	req.Header.Set("CIMObject", strings.ReplaceAll(namespace, "/", "%2F"))
	req.SetBasicAuth(cfg.Username, cfg.Password)

	c.logger.Debug().Str("hostname", hostname).Str("namespace", namespace).Str("query", query).Msg("Executing CIM query")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("CIM request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthentication, resp.StatusCode)
	}
	if code := resp.Header.Get("CIMError"); code != "" && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CIM request rejected (%s): HTTP %d", code, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CIM request failed: HTTP %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read CIM response: %w", err)
	}
	return ParseExecQueryResponse(payload, SelectedProperties(query))
}

func buildExecQuery(query, namespace string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>`)
	b.WriteString(`<CIM CIMVERSION="2.0" DTDVERSION="2.0"><MESSAGE ID="1001" PROTOCOLVERSION="1.0"><SIMPLEREQ>`)
	b.WriteString(`<IMETHODCALL NAME="ExecQuery"><LOCALNAMESPACEPATH>`)
	for _, part := range strings.FieldsFunc(namespace, func(r rune) bool { return r == '/' || r == '\\' }) {
		b.WriteString(`<NAMESPACE NAME="`)
		if err := xml.EscapeText(&b, []byte(part)); err != nil {
			return nil, err
		}
		b.WriteString(`"/>`)
	}
	b.WriteString(`</LOCALNAMESPACEPATH>`)
	b.WriteString(`<IPARAMVALUE NAME="QueryLanguage"><VALUE>WQL</VALUE></IPARAMVALUE>`)
	b.WriteString(`<IPARAMVALUE NAME="Query"><VALUE>`)
	if err := xml.EscapeText(&b, []byte(query)); err != nil {
		return nil, err
	}
	b.WriteString(`</VALUE></IPARAMVALUE></IMETHODCALL></SIMPLEREQ></MESSAGE></CIM>`)
	return []byte(b.String()), nil
}

type cimError struct {
	Code        string `xml:"CODE,attr"`
	Description string `xml:"DESCRIPTION,attr"`
}

type cimProperty struct {
	Name  string  `xml:"NAME,attr"`
	Value *string `xml:"VALUE"`
}

type cimPropertyArray struct {
	Name   string   `xml:"NAME,attr"`
	Values []string `xml:"VALUE.ARRAY>VALUE"`
}

type cimKeyBinding struct {
	Name     string  `xml:"NAME,attr"`
	KeyValue *string `xml:"KEYVALUE"`
	Ref      *cimRef `xml:"VALUE.REFERENCE"`
}

type cimInstanceName struct {
	ClassName   string          `xml:"CLASSNAME,attr"`
	KeyBindings []cimKeyBinding `xml:"KEYBINDING"`
}

type cimNamespaceElem struct {
	Name string `xml:"NAME,attr"`
}

type cimInstancePath struct {
	Host       string             `xml:"NAMESPACEPATH>HOST"`
	Namespaces []cimNamespaceElem `xml:"NAMESPACEPATH>LOCALNAMESPACEPATH>NAMESPACE"`
	Name       cimInstanceName    `xml:"INSTANCENAME"`
}

type cimLocalInstancePath struct {
	Namespaces []cimNamespaceElem `xml:"LOCALNAMESPACEPATH>NAMESPACE"`
	Name       cimInstanceName    `xml:"INSTANCENAME"`
}

type cimRef struct {
	InstancePath      *cimInstancePath      `xml:"INSTANCEPATH"`
	LocalInstancePath *cimLocalInstancePath `xml:"LOCALINSTANCEPATH"`
	InstanceName      *cimInstanceName      `xml:"INSTANCENAME"`
}

type cimPropertyRef struct {
	Name  string  `xml:"NAME,attr"`
	Value *cimRef `xml:"VALUE.REFERENCE"`
}

type cimInstance struct {
	ClassName  string             `xml:"CLASSNAME,attr"`
	Properties []cimProperty      `xml:"PROPERTY"`
	Arrays     []cimPropertyArray `xml:"PROPERTY.ARRAY"`
	References []cimPropertyRef   `xml:"PROPERTY.REFERENCE"`
}

type cimObjectWithPath struct {
	Path     cimInstancePath `xml:"INSTANCEPATH"`
	Instance cimInstance     `xml:"INSTANCE"`
}

type cimResponse struct {
	XMLName  xml.Name `xml:"CIM"`
	Response struct {
		Error  *cimError `xml:"ERROR"`
		Return struct {
			WithPath  []cimObjectWithPath `xml:"VALUE.OBJECTWITHPATH"`
			Objects   []cimInstance       `xml:"VALUE.OBJECT>INSTANCE"`
			Instances []cimInstance       `xml:"INSTANCE"`
		} `xml:"IRETURNVALUE"`
	} `xml:"MESSAGE>SIMPLERSP>IMETHODRESPONSE"`
}

// ParseExecQueryResponse turns a CIM-XML ExecQuery response into rows.
// Without a select list, properties come in document order.
func ParseExecQueryResponse(payload []byte, properties []string) ([][]string, error) {
	var resp cimResponse
	if err := xml.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse CIM response: %w", err)
	}
	if e := resp.Response.Error; e != nil {
		code, _ := strconv.Atoi(e.Code)
		return nil, &WBEMError{Code: code, Description: e.Description}
	}

	type item struct {
		path     string
		instance cimInstance
	}
	var items []item
	for _, o := range resp.Response.Return.WithPath {
		items = append(items, item{path: o.Path.String(), instance: o.Instance})
	}
	for _, inst := range resp.Response.Return.Objects {
		items = append(items, item{instance: inst})
	}
	for _, inst := range resp.Response.Return.Instances {
		items = append(items, item{instance: inst})
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		values, order := it.instance.values()
		values[strings.ToLower(PathProperty)] = it.path
		props := properties
		if props == nil {
			props = order
		}
		row := make([]string, 0, len(props))
		for _, p := range props {
			row = append(row, values[strings.ToLower(p)])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// values indexes the instance properties by lower-cased name and returns
// their document order.
func (inst cimInstance) values() (map[string]string, []string) {
	values := make(map[string]string)
	var order []string
	for _, p := range inst.Properties {
		v := ""
		if p.Value != nil {
			v = *p.Value
		}
		values[strings.ToLower(p.Name)] = v
		order = append(order, p.Name)
	}
	for _, a := range inst.Arrays {
		values[strings.ToLower(a.Name)] = strings.Join(a.Values, "|")
		order = append(order, a.Name)
	}
	for _, r := range inst.References {
		v := ""
		if r.Value != nil {
			v = r.Value.String()
		}
		values[strings.ToLower(r.Name)] = v
		order = append(order, r.Name)
	}
	return values, order
}

func (r *cimRef) String() string {
	switch {
	case r.InstancePath != nil:
		return r.InstancePath.String()
	case r.LocalInstancePath != nil:
		return formatObjectPath("", r.LocalInstancePath.Namespaces, r.LocalInstancePath.Name)
	case r.InstanceName != nil:
		return r.InstanceName.String()
	}
	return ""
}

func (p cimInstancePath) String() string {
	if p.Name.ClassName == "" {
		return ""
	}
	return formatObjectPath(p.Host, p.Namespaces, p.Name)
}

// String renders Class.Key1="v1",Key2="v2".
func (n cimInstanceName) String() string {
	var b strings.Builder
	b.WriteString(n.ClassName)
	for i, kb := range n.KeyBindings {
		if i == 0 {
			b.WriteByte('.')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(kb.Name)
		b.WriteString(`="`)
		switch {
		case kb.KeyValue != nil:
			b.WriteString(*kb.KeyValue)
		case kb.Ref != nil:
			b.WriteString(strings.ReplaceAll(kb.Ref.String(), `"`, `\"`))
		}
		b.WriteByte('"')
	}
	return b.String()
}

func formatObjectPath(host string, namespaces []cimNamespaceElem, name cimInstanceName) string {
	parts := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		parts = append(parts, ns.Name)
	}
	path := name.String()
	if len(parts) > 0 {
		path = strings.Join(parts, "/") + ":" + path
	}
	if host != "" {
		path = "//" + host + "/" + path
	}
	return path
}
