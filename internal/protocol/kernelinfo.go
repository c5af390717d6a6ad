package protocol

import (
	"golang.org/x/text/unicode/norm"
)

// KernelCommandInfo names one command type a kernel can handle.
type KernelCommandInfo struct {
	Name string `json:"name"`
}

// KernelDirectiveInfo names one magic-command directive a kernel accepts.
type KernelDirectiveInfo struct {
	Name string `json:"name"`
}

// KernelInfo describes a kernel: its name, where it lives, and what it can do.
//
// LocalName identifies a kernel within its composite. URI is globally unique.
// For a proxy, RemoteURI is the uri of the kernel it stands in for.
type KernelInfo struct {
	LocalName               string                `json:"localName"`
	URI                     string                `json:"uri"`
	Aliases                 []string              `json:"aliases"`
	LanguageName            string                `json:"languageName,omitempty"`
	LanguageVersion         string                `json:"languageVersion,omitempty"`
	DisplayName             string                `json:"displayName,omitempty"`
	Description             string                `json:"description,omitempty"`
	IsProxy                 bool                  `json:"isProxy"`
	IsComposite             bool                  `json:"isComposite"`
	RemoteURI               string                `json:"remoteUri,omitempty"`
	SupportedKernelCommands []KernelCommandInfo   `json:"supportedKernelCommands"`
	SupportedDirectives     []KernelDirectiveInfo `json:"supportedDirectives"`
}

// NewKernelInfo creates an info with normalized name and aliases.
func NewKernelInfo(localName string, aliases ...string) *KernelInfo {
	info := &KernelInfo{
		LocalName:               NormalizeName(localName),
		Aliases:                 make([]string, 0, len(aliases)),
		SupportedKernelCommands: []KernelCommandInfo{},
		SupportedDirectives:     []KernelDirectiveInfo{},
	}
	for _, a := range aliases {
		info.Aliases = append(info.Aliases, NormalizeName(a))
	}
	return info
}

// NormalizeName applies Unicode NFC so visually identical kernel names
// compare equal regardless of how they were typed.
func NormalizeName(s string) string {
	return norm.NFC.String(s)
}

// LookupURI is the uri the info is indexed under: RemoteURI for proxies,
// URI otherwise.
func (k *KernelInfo) LookupURI() string {
	if k.IsProxy && k.RemoteURI != "" {
		return NormalizeKernelURI(k.RemoteURI)
	}
	return NormalizeKernelURI(k.URI)
}

// Supports reports whether commandType is listed.
func (k *KernelInfo) Supports(commandType CommandType) bool {
	for _, c := range k.SupportedKernelCommands {
		if c.Name == string(commandType) {
			return true
		}
	}
	return false
}

// AddCommand lists commandType as supported. Returns false when it already was.
func (k *KernelInfo) AddCommand(commandType CommandType) bool {
	if k.Supports(commandType) {
		return false
	}
	k.SupportedKernelCommands = append(k.SupportedKernelCommands, KernelCommandInfo{Name: string(commandType)})
	return true
}

// HasName reports whether name matches the local name or an alias.
func (k *KernelInfo) HasName(name string) bool {
	name = NormalizeName(name)
	if k.LocalName == name {
		return true
	}
	for _, a := range k.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// Names returns the local name followed by the aliases.
func (k *KernelInfo) Names() []string {
	out := make([]string, 0, 1+len(k.Aliases))
	out = append(out, k.LocalName)
	return append(out, k.Aliases...)
}

// Merge folds src into k.
//
// Language name and version are overwritten when src carries them. The
// display name is copied. Command and directive lists are unioned by name,
// keeping k's order and appending what is new. Identity fields (LocalName,
// URI, IsProxy, RemoteURI) are left alone.
func (k *KernelInfo) Merge(src *KernelInfo) {
	if src == nil {
		return
	}
	if src.LanguageName != "" {
		k.LanguageName = src.LanguageName
	}
	if src.LanguageVersion != "" {
		k.LanguageVersion = src.LanguageVersion
	}
	if src.DisplayName != "" {
		k.DisplayName = src.DisplayName
	}
	if src.Description != "" {
		k.Description = src.Description
	}

	seenCmd := make(map[string]struct{}, len(k.SupportedKernelCommands))
	for _, c := range k.SupportedKernelCommands {
		seenCmd[c.Name] = struct{}{}
	}
	for _, c := range src.SupportedKernelCommands {
		if _, ok := seenCmd[c.Name]; !ok {
			seenCmd[c.Name] = struct{}{}
			k.SupportedKernelCommands = append(k.SupportedKernelCommands, c)
		}
	}

	seenDir := make(map[string]struct{}, len(k.SupportedDirectives))
	for _, d := range k.SupportedDirectives {
		seenDir[d.Name] = struct{}{}
	}
	for _, d := range src.SupportedDirectives {
		if _, ok := seenDir[d.Name]; !ok {
			seenDir[d.Name] = struct{}{}
			k.SupportedDirectives = append(k.SupportedDirectives, d)
		}
	}
}

// Clone returns a deep copy.
func (k *KernelInfo) Clone() *KernelInfo {
	if k == nil {
		return nil
	}
	c := *k
	c.Aliases = append([]string{}, k.Aliases...)
	c.SupportedKernelCommands = append([]KernelCommandInfo{}, k.SupportedKernelCommands...)
	c.SupportedDirectives = append([]KernelDirectiveInfo{}, k.SupportedDirectives...)
	return &c
}

// FormattedValue is one rendering of a value.
type FormattedValue struct {
	MimeType        string `json:"mimeType"`
	Value           string `json:"value"`
	SuppressDisplay bool   `json:"suppressDisplay,omitempty"`
}

// LinePosition is a zero-based line/character position.
type LinePosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// LinePositionSpan is a half-open range of positions.
type LinePositionSpan struct {
	Start LinePosition `json:"start"`
	End   LinePosition `json:"end"`
}

// DiagnosticSeverity levels.
type DiagnosticSeverity string

const (
	SeverityHidden  DiagnosticSeverity = "hidden"
	SeverityInfo    DiagnosticSeverity = "info"
	SeverityWarning DiagnosticSeverity = "warning"
	SeverityError   DiagnosticSeverity = "error"
)

// Diagnostic is a compiler or analyzer message tied to a span of code.
type Diagnostic struct {
	LinePositionSpan LinePositionSpan   `json:"linePositionSpan"`
	Severity         DiagnosticSeverity `json:"severity"`
	Code             string             `json:"code"`
	Message          string             `json:"message"`
}

// CompletionItem is one completion candidate.
type CompletionItem struct {
	DisplayText      string `json:"displayText"`
	Kind             string `json:"kind"`
	FilterText       string `json:"filterText"`
	SortText         string `json:"sortText"`
	InsertText       string `json:"insertText"`
	InsertTextFormat string `json:"insertTextFormat,omitempty"`
	Documentation    string `json:"documentation"`
}

// ParameterInformation documents one signature parameter.
type ParameterInformation struct {
	Label         string         `json:"label"`
	Documentation FormattedValue `json:"documentation"`
}

// SignatureInformation documents one overload.
type SignatureInformation struct {
	Label         string                 `json:"label"`
	Documentation FormattedValue         `json:"documentation"`
	Parameters    []ParameterInformation `json:"parameters"`
}

// KernelValueInfo describes a variable held by a kernel.
type KernelValueInfo struct {
	Name               string         `json:"name"`
	TypeName           string         `json:"typeName"`
	FormattedValue     FormattedValue `json:"formattedValue"`
	PreferredMimeTypes []string       `json:"preferredMimeTypes"`
}
