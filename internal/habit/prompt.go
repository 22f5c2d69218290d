package habit

const defaultProposalPrompt = `You suggest one small, concrete self-care habit for a person using a mental-health support companion.
The habit must take under five minutes, need no equipment and be safe for anyone.
Base it on what the person has shared.

Respond ONLY with a JSON object:
{"description": "...", "cadence": "daily|twice daily|weekly", "rationale": "..."}`
