package cashu

type PostMintRequest struct {
	Outputs BlindedMessages `json:"outputs"`
}

type PostMintResponse struct {
	Promises BlindedSignatures `json:"promises"`
}
