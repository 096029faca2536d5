package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"feecall/internal/config"
	"feecall/internal/engine"
	"feecall/internal/telephony"
)

// SignatureChecker validates the signature the provider puts on webhooks.
type SignatureChecker interface {
	Valid(fullURL string, form url.Values, signature string) bool
}

const signatureHeader = "X-Twilio-Signature"

// hangupTwiML is written when even the apology cannot be rendered.
const hangupTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

// registerTelephony mounts the provider webhooks. They answer 200 with TwiML
// on every path; the provider only ever sees 403 for a bad signature.
func registerTelephony(r chi.Router, e *engine.Engine, sig SignatureChecker, log zerolog.Logger) {
	log = log.With().Str("component", "webhooks").Logger()
	r.Route("/telephony", func(r chi.Router) {
		r.Use(verifySignature(e, sig, log))
		r.Post("/voice", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			ins := e.HandleVoice(req.Context(), engine.VoiceEvent{
				ReminderID: q.Get("reminder_id"),
				CallID:     req.PostFormValue("CallSid"),
				Event:      q.Get("event"),
				Speech:     req.PostFormValue("SpeechResult"),
				Digits:     req.PostFormValue("Digits"),
			})
			writeTwiML(w, e.Config(), ins, log)
		})
		r.Post("/status", func(w http.ResponseWriter, req *http.Request) {
			ev := engine.StatusEvent{
				ReminderID: req.URL.Query().Get("reminder_id"),
				CallID:     req.PostFormValue("CallSid"),
				Status:     req.PostFormValue("CallStatus"),
			}
			// HandleStatus logs its own failures; the provider gets 200 regardless.
			_ = e.HandleStatus(req.Context(), ev)
			w.Header().Set("Content-Type", "text/xml")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
		})
	})
}

func verifySignature(e *engine.Engine, sig SignatureChecker, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if err := req.ParseForm(); err != nil {
				log.Warn().Err(err).Msg("unreadable webhook form")
			}
			cfg := e.Config()
			if !cfg.Telephony.VerifySignatures {
				next.ServeHTTP(w, req)
				return
			}
			full := strings.TrimRight(cfg.Telephony.PublicBaseURL, "/") + req.URL.RequestURI()
			if sig == nil || !sig.Valid(full, req.PostForm, req.Header.Get(signatureHeader)) {
				log.Warn().Str("path", req.URL.Path).Msg("rejected webhook with invalid signature")
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeTwiML(w http.ResponseWriter, cfg *config.Config, ins telephony.Instruction, log zerolog.Logger) {
	opts := telephony.RenderOptions{
		Voice:         cfg.Telephony.Voice,
		Language:      cfg.Telephony.Language,
		SpeechTimeout: cfg.Telephony.SpeechTimeout,
	}
	doc, err := telephony.Render(ins, opts)
	if err != nil {
		log.Error().Err(err).Msg("render instruction")
		doc, err = telephony.Render(telephony.Hangup(cfg.Messages.Apology), opts)
		if err != nil {
			doc = hangupTwiML
		}
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}
