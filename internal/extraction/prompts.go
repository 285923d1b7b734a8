package extraction

import (
	"strings"
)

// DefaultModelName is the Gemini model used for document extraction.
const DefaultModelName = "gemini-2.5-flash"

func buildExtractionPrompt() string {
	var b strings.Builder

	b.WriteString("You are a parser for bills, receipts and bank statements.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Read ALL transaction lines in the attached document.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output a JSON array of objects.\n\n")
	b.WriteString("Each object must have these fields:\n")
	b.WriteString("- \"date\": string, copied exactly as printed on the document\n")
	b.WriteString("- \"description\": string (merchant, payee or item text; may be empty)\n")
	b.WriteString("- \"amount\": number as printed; negative only if the document prints it negative\n")
	b.WriteString("- \"type\": \"debit\", \"credit\" or null if the document does not say\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- A receipt or bill total that the customer paid is a debit.\n")
	b.WriteString("- Statement columns \"paid out\"/\"paid in\" map to debit/credit; \"DR\"/\"CR\" suffixes likewise.\n")
	b.WriteString("- Do not invent lines, do not merge lines, do not reformat dates.\n")
	b.WriteString("- If the document has no transactions, return [].\n\n")
	b.WriteString("Return ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Output must begin with \"[\" and end with \"]\".\n")

	return b.String()
}
