package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// StepPrinterFunc returns a watermill handler that renders a chat turn to w:
// token deltas as they arrive, a trailing newline on done, citations as a
// yaml block underneath.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true
	var accumulated strings.Builder

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventMeta:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}

		case *EventToken:
			accumulated.WriteString(p_.Delta)
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventDone:
			text := accumulated.String()
			if p_.FinalContent != nil {
				// The backend's final text wins; print whatever the token
				// stream did not already cover.
				if strings.HasPrefix(*p_.FinalContent, text) {
					if _, err := fmt.Fprintf(w, "%s", (*p_.FinalContent)[len(text):]); err != nil {
						return err
					}
				}
				text = *p_.FinalContent
			}
			if !strings.HasSuffix(text, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}
			if len(p_.Citations) > 0 {
				v_, err := yaml.Marshal(p_.Citations)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "%s\n", v_); err != nil {
					return err
				}
			}
			accumulated.Reset()

		case *EventError:
			if _, err := fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString); err != nil {
				return err
			}
			accumulated.Reset()
		}

		return nil
	}
}
