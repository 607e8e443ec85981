package server

import (
	"fmt"
	"strings"
)

const (
	modeEmpathetic = "empathetic"
	modePractical  = "practical"
	modeDiary      = "diary"
)

const empatheticSystemPrompt = `You are a warm, empathetic companion in an emotional support app.
Listen carefully, validate the user's feelings, and respond with compassion.
Never diagnose, never prescribe. Keep answers short and kind.
If the user mentions self-harm or suicide, gently encourage them to contact a crisis line or a mental health professional.`

const practicalSystemPrompt = `You are a practical advisor in an emotional support app.
Give concrete, actionable suggestions the user can try today.
Stay grounded and specific: small steps, routines, simple techniques.
Never diagnose, never prescribe. If the user mentions self-harm or suicide, encourage them to contact a crisis line or a mental health professional.`

func systemPromptForMode(mode string) string {
	if mode == modePractical {
		return practicalSystemPrompt
	}
	return empatheticSystemPrompt
}

func formatAnswerList(answers []int) string {
	parts := make([]string, len(answers))
	for i, v := range answers {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}

func buildASRSAnalysisPrompt(partA, partB []int, score float64, interpretation string) string {
	return fmt.Sprintf(`You are assisting a mental health support app. A user completed the ASRS adult ADHD self-report screener.

Part A answers (0-4 scale): %s
Part B answers (0-4 scale): %s
Overall score: %.1f%% of maximum
Screening result: %s

Write a short, supportive explanation of this result in plain language.
Explain what the screener measures, what the result suggests, and recommend consulting a qualified professional for an actual diagnosis.
Do not diagnose. Do not exceed 250 words.`,
		formatAnswerList(partA), formatAnswerList(partB), score, interpretation)
}

func buildGAD7AnalysisPrompt(answers []int, score float64, interpretation string) string {
	return fmt.Sprintf(`You are assisting a mental health support app. A user completed the GAD-7 anxiety questionnaire.

Answers (0-3 scale): %s
Total score: %.0f out of 21
Result: %s

Write a short, supportive explanation of this result in plain language.
Explain what the questionnaire measures, what this severity level means, and suggest next steps including talking to a professional when appropriate.
Do not diagnose. Do not exceed 250 words.`,
		formatAnswerList(answers), score, interpretation)
}

func buildPHQ9AnalysisPrompt(answers []int, score float64, interpretation string) string {
	riskNote := ""
	if len(answers) == 9 && answers[8] >= 2 {
		riskNote = "\nIMPORTANT: the answer to question 9 indicates possible thoughts of self-harm. Urgently and compassionately encourage the user to reach out to a crisis line or a mental health professional right away.\n"
	}
	return fmt.Sprintf(`You are assisting a mental health support app. A user completed the PHQ-9 depression questionnaire.

Answers (0-3 scale): %s
Total score: %.0f out of 27
Result: %s
%s
Write a short, supportive explanation of this result in plain language.
Explain what the questionnaire measures, what this severity level means, and suggest next steps including talking to a professional when appropriate.
Do not diagnose. Do not exceed 250 words.`,
		formatAnswerList(answers), score, interpretation, riskNote)
}
