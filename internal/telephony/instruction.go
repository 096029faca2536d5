package telephony

import (
	"strconv"

	"github.com/twilio/twilio-go/twiml"
)

// Instruction is the next step of a live call: lines to say, then at most one
// of gather, dial or hang up.
type Instruction struct {
	Says   []string
	Gather *Gather
	Dial   string
	Hangup bool
}

// Gather collects speech or a single keypress and posts it to ActionURL.
// An empty result is posted too, so silence reaches the conversation.
type Gather struct {
	ActionURL string
	Prompt    string
	Timeout   int
}

// Hangup builds an instruction that says lines and ends the call.
func Hangup(lines ...string) Instruction {
	return Instruction{Says: lines, Hangup: true}
}

type RenderOptions struct {
	Voice         string
	Language      string
	SpeechTimeout string
}

// Render produces the TwiML document for ins.
func Render(ins Instruction, opts RenderOptions) (string, error) {
	var verbs []twiml.Element
	say := func(text string) *twiml.VoiceSay {
		return &twiml.VoiceSay{Message: text, Voice: opts.Voice, Language: opts.Language}
	}
	for _, line := range ins.Says {
		if line == "" {
			continue
		}
		verbs = append(verbs, say(line))
	}
	switch {
	case ins.Gather != nil:
		g := &twiml.VoiceGather{
			Action:              ins.Gather.ActionURL,
			Method:              "POST",
			Input:               "speech dtmf",
			NumDigits:           "1",
			SpeechTimeout:       opts.SpeechTimeout,
			Language:            opts.Language,
			ActionOnEmptyResult: "true",
		}
		if ins.Gather.Timeout > 0 {
			g.Timeout = strconv.Itoa(ins.Gather.Timeout)
		}
		if ins.Gather.Prompt != "" {
			g.InnerElements = []twiml.Element{say(ins.Gather.Prompt)}
		}
		verbs = append(verbs, g)
	case ins.Dial != "":
		verbs = append(verbs, &twiml.VoiceDial{Number: ins.Dial})
	default:
		verbs = append(verbs, &twiml.VoiceHangup{})
	}
	return twiml.Voice(verbs)
}
