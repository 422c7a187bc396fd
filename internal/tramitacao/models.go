package tramitacao

// Customer is a cliente record in Tramitação Inteligente.
type Customer struct {
	ID          int    `json:"id"`
	UUID        string `json:"uuid,omitempty"`
	Name        string `json:"name"`
	CPFCNPJ     string `json:"cpf_cnpj,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneMobile string `json:"phone_mobile,omitempty"`
}

// NewCustomer is the write shape for creating or updating a cliente.
type NewCustomer struct {
	Name        string `json:"name"`
	PhoneMobile string `json:"phone_mobile,omitempty"`
	CPFCNPJ     string `json:"cpf_cnpj,omitempty"`
	Email       string `json:"email,omitempty"`
}

type Note struct {
	ID         int    `json:"id"`
	CustomerID int    `json:"customer_id"`
	Content    string `json:"content"`
}

type Process struct {
	ID      int    `json:"id"`
	Number  string `json:"number,omitempty"`
	Status  string `json:"status,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Dossier bundles everything the intake looks up about a linked
// customer when the model asks for the case status.
type Dossier struct {
	Customer  Customer  `json:"customer"`
	Processes []Process `json:"processes"`
}

type customerEnvelope struct {
	Customer *Customer `json:"customer"`
}

type searchResponse struct {
	Customers []Customer `json:"customers"`
}

type notesResponse struct {
	Notes []Note `json:"notes"`
}
