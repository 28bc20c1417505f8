package catalog

// Builtin returns a fresh copy of the built-in registries.
func Builtin() *Catalog {
	return &Catalog{
		APIs:    builtinAPIs(),
		SQL:     builtinSQL(),
		Schemas: builtinSchemas(),
	}
}

func builtinAPIs() []APIEntry {
	return []APIEntry{
		{
			ID:          "LNO8888C.SVC",
			Description: "Loan creation API",
			Fields: []Field{
				{
					Name:     "prdCode",
					Required: true,
					Type:     "string",
					Enum:     []string{"11010009001001", "11010009001002", "13030009001001", "13030009001002", "13030009001012"},
					Mapping: map[string]string{
						"QC-GENERAL":  "11010009001001",
						"QC-PREMIUM":  "11010009001002",
						"KTA-GENERAL": "13030009001001",
						"KTA-PREMIUM": "13030009001002",
						"KTA-PAYROLL": "13030009001012",
					},
					Instructions: "Map product name to prdCode. Required.",
				},
				{Name: "custNo", Required: true, Type: "string", Instructions: "Customer number, must be provided."},
				{Name: "lonTerm", Required: true, Type: "string", Instructions: "Loan term in months. Required."},
				{
					Name:         "repayPlan",
					Required:     true,
					Type:         "string",
					Enum:         []string{"MONTHLY", "QUARTERLY"},
					Instructions: "Repayment plan must be one of MONTHLY or QUARTERLY.",
				},
				{Name: "limitAmt", Required: true, Type: "string", Instructions: "Loan limit amount."},
				{Name: "riskSeg", Type: "string", Instructions: "Optional: risk segment code."},
				{Name: "grade", Type: "string", Instructions: "Optional: customer grade."},
				{Name: "groupCd", Type: "string", Instructions: "Optional: group code."},
				{
					Name:         "excludeStep",
					Type:         "array",
					Enum:         []string{"SAVE", "CONT", "VERI"},
					Instructions: "List of process steps to exclude during API execution.",
				},
			},
			Examples: []Example{{
				Input: "Create QC-GENERAL loan for customer 12345 with 12 months, monthly repayment, 5,000,000 limit",
				Params: map[string]any{
					"prdCode":   "11010009001001",
					"custNo":    "12345",
					"lonTerm":   "12",
					"repayPlan": "MONTHLY",
					"limitAmt":  "5000000",
				},
			}},
		},
		{
			ID:          "LNO8888D.SVC",
			Description: "Portfolio manipulation API",
			Fields: []Field{
				{
					Name:     "pgmType",
					Required: true,
					Type:     "string",
					Enum:     []string{"11", "12", "31", "32", "33"},
					Mapping: map[string]string{
						"QC-EXTEND":          "11",
						"KTA-REPEAT":         "12",
						"KTA-TOP-UP":         "31",
						"KTA-INCREASE-LIMIT": "32",
						"QC-INCREASE-LIMIT":  "33",
					},
					Instructions: "Map product name to pgmType.",
				},
				{Name: "refNo", Required: true, Type: "string", Instructions: "Reference number must start with 1188."},
			},
			Examples: []Example{{
				Input:  "Extend portfolio for customer 12345",
				Params: map[string]any{"pgmType": "11", "refNo": "118812345"},
			}},
		},
	}
}

func builtinSQL() []SQLEntry {
	return []SQLEntry{
		{ID: "getCustomerByEmail", Description: "Fetch customer by email", Query: "SELECT * FROM customers WHERE email = :email", Params: []string{"email"}},
		{ID: "getCustomerById", Description: "Fetch customer by ID", Query: "SELECT * FROM customers WHERE id = :id", Params: []string{"id"}},
		{ID: "listAllCustomers", Description: "List all customers", Query: "SELECT * FROM customers"},
		{ID: "getLoanProductById", Description: "Fetch loan product by ID", Query: "SELECT * FROM loan_products WHERE id = :id", Params: []string{"id"}},
		{ID: "listLoanProducts", Description: "List all loan products", Query: "SELECT * FROM loan_products"},
		{ID: "getLoanById", Description: "Fetch loan by ID", Query: "SELECT * FROM loans WHERE id = :id", Params: []string{"id"}},
		{ID: "listLoansByCustomer", Description: "List all loans for a specific customer", Query: "SELECT * FROM loans WHERE customer_id = :customer_id", Params: []string{"customer_id"}},
		{ID: "listActiveLoans", Description: "List all active loans", Query: "SELECT * FROM loans WHERE status = 'active'"},
		{ID: "listOverdueLoans", Description: "List all overdue loans", Query: "SELECT * FROM loans WHERE due_date < CURRENT_DATE AND status = 'active'"},
		{ID: "getPaymentsByLoan", Description: "Fetch all payments for a loan, newest first", Query: "SELECT * FROM payments WHERE loan_id = :loan_id ORDER BY payment_date DESC", Params: []string{"loan_id"}},
		{ID: "getPaymentById", Description: "Fetch payment by ID", Query: "SELECT * FROM payments WHERE id = :id", Params: []string{"id"}},
		{ID: "listRecentPayments", Description: "Fetch recent payments", Query: "SELECT * FROM payments ORDER BY payment_date DESC LIMIT :limit", Params: []string{"limit"}},
	}
}

func builtinSchemas() []SchemaEntry {
	return []SchemaEntry{
		{
			ID:          "customers",
			Table:       "customers",
			Description: "Stores information about loan customers",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", Description: "Primary key of the customer"},
				{Name: "full_name", Type: "TEXT", Description: "Full name of the customer"},
				{Name: "email", Type: "TEXT", Description: "Customer email address"},
				{Name: "phone", Type: "TEXT", Description: "Customer phone number"},
				{Name: "date_of_birth", Type: "DATE", Description: "Customer date of birth"},
				{Name: "created_at", Type: "TIMESTAMP", Description: "Customer record creation timestamp"},
			},
		},
		{
			ID:          "loan_products",
			Table:       "loan_products",
			Description: "Stores loan product definitions",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", Description: "Primary key of the loan product"},
				{Name: "name", Type: "TEXT", Description: "Name of the loan product"},
				{Name: "interest_rate", Type: "DECIMAL", Description: "Interest rate for this loan product"},
				{Name: "term_months", Type: "INTEGER", Description: "Loan duration in months"},
				{Name: "created_at", Type: "TIMESTAMP", Description: "Record creation timestamp"},
			},
		},
		{
			ID:          "loans",
			Table:       "loans",
			Description: "Stores loan applications and disbursements",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", Description: "Primary key of the loan"},
				{Name: "customer_id", Type: "INTEGER", Description: "Customer who took the loan"},
				{Name: "loan_product_id", Type: "INTEGER", Description: "Type of loan"},
				{Name: "principal_amount", Type: "DECIMAL", Description: "Loan principal amount"},
				{Name: "interest_rate", Type: "DECIMAL", Description: "Loan interest rate"},
				{Name: "start_date", Type: "DATE", Description: "Loan start date"},
				{Name: "due_date", Type: "DATE", Description: "Loan due date"},
				{Name: "status", Type: "TEXT", Description: "Loan status (pending, active, closed)"},
				{Name: "created_at", Type: "TIMESTAMP", Description: "Loan record creation timestamp"},
			},
			Relations: []Relation{
				{Column: "customer_id", References: "customers.id", Description: "Customer who owns the loan"},
				{Column: "loan_product_id", References: "loan_products.id", Description: "Type of loan product"},
			},
		},
		{
			ID:          "payments",
			Table:       "payments",
			Description: "Tracks loan repayments",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", Description: "Primary key of the payment"},
				{Name: "loan_id", Type: "INTEGER", Description: "Loan associated with the payment"},
				{Name: "amount", Type: "DECIMAL", Description: "Payment amount"},
				{Name: "payment_date", Type: "DATE", Description: "Date of payment"},
				{Name: "created_at", Type: "TIMESTAMP", Description: "Payment record creation timestamp"},
			},
			Relations: []Relation{
				{Column: "loan_id", References: "loans.id", Description: "Loan being repaid"},
			},
		},
	}
}
