package briefing

import "fmt"

// User-visible texts returned when a model call cannot produce an answer.
const (
	FallbackQuestion     = "Could you tell me more about your requirements for this project?"
	NotConfiguredMessage = "The briefing assistant is not configured right now. Please try again later."
	FeedbackFallback     = "I'll make adjustments based on your feedback."
	ImageUnreadable      = "I couldn't process the image. Please try again."
	ImageUnsaved         = "I couldn't save the generated image. Please try again."
	ReactionFallback     = "Here is a first concept. What would you like to change about it?"
	SummaryFallback      = "I couldn't put together a summary right now. Please try again in a moment."
)

// DefaultImagePrompt is used when the model calls generate_image without a prompt.
const DefaultImagePrompt = "A futuristic cityscape at sunset"

// SeedDirective is the single system turn every transcript starts with.
func SeedDirective(title string) string {
	return fmt.Sprintf("You are an AI assistant helping to gather requirements for a %s project. "+
		"Ask questions to understand the client's needs.", title)
}

func firstQuestionPrompt(title string) string {
	return fmt.Sprintf("You are an AI assistant helping to gather requirements for a %s project. "+
		"Start with the broadest possible question to understand what kind of project the client is looking for. "+
		"Focus on understanding their overall vision and goals. "+
		"Keep your response concise and focused on a single question. "+
		"Do not mention specific details or technical requirements yet.", title)
}

func followUpPrompt(title string) string {
	return fmt.Sprintf("Based on our conversation about the %s project so far, "+
		"ask the next most relevant question to gather more requirements. "+
		"Reference specific details the user has shared, dig deeper into their needs, "+
		"and focus on understanding their goals, audience, style preferences, specific requirements, and any constraints. "+
		"If you have enough detail to show a first concept, call the generate_image tool instead. "+
		"Keep your response concise and focused on a single question.", title)
}

func enhancePrompt(title, requirements string) string {
	return fmt.Sprintf(`Based on the following requirements for a %s project, create a detailed image generation prompt:
%s

Focus on:
1. Visual style and aesthetics
2. Key elements and composition
3. Color scheme and mood
4. Technical specifications

Provide a detailed image generation prompt that will create an image matching these requirements using the generate_image tool.`,
		title, requirements)
}

func feedbackPrompt(title, feedback string) string {
	return fmt.Sprintf(`The user provided the following feedback on the generated image for the %s project:
%s

Based on this feedback, what specific improvements should we make?
Focus on actionable changes that can be implemented in the next version of the image.`,
		title, feedback)
}

func steeringPrompt(title string) string {
	return fmt.Sprintf("you are trying to help this user pick the perfect %s image, "+
		"ask questions about the specifications of the image to help another "+
		"image generation model gauge exactly what the user wants. "+
		"Never ask the same question three times in a row.", title)
}

func summaryPrompt(title string) string {
	return fmt.Sprintf("Based on our conversation about the %s project, please provide:\n\n"+
		"1. A summary of key requirements\n"+
		"2. The main goals of the project\n"+
		"3. Style preferences and visual elements\n\n"+
		"Keep your response concise and well-structured.", title)
}

func finalImagePrompt(title, summary string) string {
	return fmt.Sprintf("A finalized concept image for %s based on: %s", title, summary)
}
