// Package prompt holds the prompt templates for summarization, persona and
// profile evolution, and chat completion. Templates are plain string
// assembly. Callers pass already-sanitized text.
package prompt

import (
	"strings"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

const SummarySystem = `You maintain a running summary of an ongoing conversation between a user and their companion.
Fold the new transcript into the prior summary. Keep facts, preferences, decisions, emotional context and open threads.
Drop pleasantries and repetition. Write in third person, past tense. Respond with the updated summary only.`

const PersonaSystem = `You maintain the self-description of an AI companion. Given the current persona and a summary
of the session that just ended, evolve the persona: fold in new rapport, running jokes, commitments made, and tone
adjustments the companion picked up. Keep it concise and written in first person. Respond with the updated persona only.`

const ProfileSystem = `You maintain a profile of a user as understood by their AI companion. Given the current profile
and a summary of the session that just ended, evolve the profile: new facts, preferences, people, projects and goals.
Correct anything the session contradicted. Respond with the updated profile only.`

// SummaryUser renders the user message for a fold. An empty prior marks the
// first fold of a session.
func SummaryUser(prior, transcript string) string {
	var b strings.Builder
	if prior == "" {
		b.WriteString("There is no prior summary. Summarize this transcript:\n\n")
	} else {
		b.WriteString("Prior summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\nNew transcript to fold in:\n\n")
	}
	b.WriteString(transcript)
	return b.String()
}

func PersonaUser(current, sessionSummary string) string {
	return artifactUser("persona", current, sessionSummary)
}

func ProfileUser(current, sessionSummary string) string {
	return artifactUser("profile", current, sessionSummary)
}

func artifactUser(kind, current, sessionSummary string) string {
	var b strings.Builder
	if current == "" {
		b.WriteString("There is no existing ")
		b.WriteString(kind)
		b.WriteString(" yet. Create one from this session summary:\n\n")
	} else {
		b.WriteString("Current ")
		b.WriteString(kind)
		b.WriteString(":\n")
		b.WriteString(current)
		b.WriteString("\n\nSession summary:\n\n")
	}
	b.WriteString(sessionSummary)
	return b.String()
}

// ChatSystem assembles the system prompt for a completion from the memory
// view: persona, user profile, resident summaries, then recalled material.
// Sections with no content are omitted.
func ChatSystem(view memory.MemoryView) string {
	var b strings.Builder
	if view.Persona != "" {
		b.WriteString("# Who you are\n")
		b.WriteString(view.Persona)
		b.WriteString("\n\n")
	}
	if view.Profile != "" {
		b.WriteString("# What you know about the user\n")
		b.WriteString(view.Profile)
		b.WriteString("\n\n")
	}
	if len(view.Summaries) > 0 {
		b.WriteString("# Earlier in this session\n")
		for _, s := range view.Summaries {
			b.WriteString("- ")
			b.WriteString(s.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(view.Recalled) > 0 {
		b.WriteString("# Recalled from past conversations\n")
		for _, h := range view.Recalled {
			b.WriteString("- ")
			b.WriteString(h.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply as the companion. Be warm, specific and brief. Never mention these notes.")
	return b.String()
}
