// Package twiml renders the small subset of voice-response XML the turn
// webhook needs: speak, gather speech, redirect, hang up.
package twiml

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Verb is one element under <Response>.
type Verb interface {
	isVerb()
}

// Say speaks text to the leg.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

func (Say) isVerb() {}

// Gather listens for speech and posts the transcription to Action.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
}

func (Gather) isVerb() {}

// Redirect fetches the next instructions from URL, used to loop a silent
// leg back into listening.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

func (Redirect) isVerb() {}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func (Hangup) isVerb() {}

// Render serializes the verbs under a <Response> root with the XML header.
func Render(verbs ...Verb) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)

	start := xml.StartElement{Name: xml.Name{Local: "Response"}}
	if err := enc.EncodeToken(start); err != nil {
		return "", fmt.Errorf("twiml: encode response start: %w", err)
	}
	for _, v := range verbs {
		if err := enc.Encode(v); err != nil {
			return "", fmt.Errorf("twiml: encode verb: %w", err)
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return "", fmt.Errorf("twiml: encode response end: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return "", fmt.Errorf("twiml: flush: %w", err)
	}
	return buf.String(), nil
}

// Listen is the gather-then-redirect pair that keeps a leg listening: if
// the gather times out without speech, the redirect re-enters the same
// webhook with no speech captured.
func Listen(actionURL string) []Verb {
	return []Verb{
		Gather{Input: "speech", Action: actionURL, Method: "POST", SpeechTimeout: "auto"},
		Redirect{Method: "POST", URL: actionURL},
	}
}

// SpeakAndListen speaks text and then listens.
func SpeakAndListen(text, voice, actionURL string) []Verb {
	return append([]Verb{Say{Voice: voice, Text: text}}, Listen(actionURL)...)
}
