package api

const ruleListSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "additionalProperties": false,
    "required": ["account"],
    "properties": {
      "account": {"type": "string", "minLength": 1, "maxLength": 140},
      "margin_spec": {"type": "string", "maxLength": 64}
    }
  }
}`

const saveConfigurationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["groups"],
  "properties": {
    "groups": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": ` + ruleListSchema + `
    }
  }
}`

const computeObligationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["company", "fiscal_year"],
  "properties": {
    "company": {"type": "string", "minLength": 1, "maxLength": 140},
    "fiscal_year": {"type": "string", "minLength": 1, "maxLength": 64}
  }
}`

const allocateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["company", "source_ids", "obligation_ids"],
  "properties": {
    "company": {"type": "string", "minLength": 1, "maxLength": 140},
    "source_ids": {"type": "array", "minItems": 1, "maxItems": 500, "items": {"type": "string", "minLength": 1}},
    "obligation_ids": {"type": "array", "minItems": 1, "maxItems": 100, "items": {"type": "string", "minLength": 1}},
    "accounts": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "company", "account_type"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 140},
    "company": {"type": "string", "minLength": 1, "maxLength": 140},
    "account_type": {"type": "string", "enum": ["asset", "liability", "equity", "income", "expense"]}
  }
}`

const createFiscalYearSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "start", "end"],
  "properties": {
    "company": {"type": "string", "maxLength": 140},
    "name": {"type": "string", "minLength": 1, "maxLength": 64},
    "start": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "end": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
  }
}`

const amountSchema = `{"type": ["string", "number"], "pattern": "^\\d+(\\.\\d+)?$", "minimum": 0}`

const postVoucherSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["voucher_no", "company", "posting_date", "lines"],
  "properties": {
    "voucher_no": {"type": "string", "minLength": 1, "maxLength": 140},
    "company": {"type": "string", "minLength": 1, "maxLength": 140},
    "posting_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "remarks": {"type": "string", "maxLength": 1000},
    "lines": {
      "type": "array",
      "minItems": 2,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["account"],
        "properties": {
          "account": {"type": "string", "minLength": 1},
          "debit": ` + amountSchema + `,
          "credit": ` + amountSchema + `
        }
      }
    }
  }
}`
