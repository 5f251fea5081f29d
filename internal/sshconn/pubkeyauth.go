package sshconn

import "github.com/whisphq/whisp/internal/pubkey"

func parsePublicKey(blob []byte) (*pubkey.Key, error) {
	return pubkey.ParseKeyBlob(blob)
}

func parseSignatureBlob(blob []byte) (*pubkey.SignatureBlob, error) {
	return pubkey.ParseSignatureBlob(blob)
}

func verifyPublicKey(key *pubkey.Key, sig *pubkey.SignatureBlob, signedData []byte) error {
	return pubkey.Verify(key, sig, signedData)
}

func publickeySignedData(sessionID []byte, username, service, algo string, blob []byte) []byte {
	return pubkey.SignedData(sessionID, username, service, algo, blob)
}
