package catalog

import (
	"database/sql"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/rag-vault/pkg/repo"
)

func nodeProps(rec *neo4j.Record) (map[string]any, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return nil, err
	}
	return node.Props, nil
}

func newCollectionRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Collection, string] {
	return repo.NewNeo4jRepo[Collection, string](driver, "Collection", collectionToMap,
		func(rec *neo4j.Record) (Collection, error) {
			p, err := nodeProps(rec)
			if err != nil {
				return Collection{}, err
			}
			return collectionFromProps(p), nil
		})
}

func newDocumentRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Document, string] {
	return repo.NewNeo4jRepo[Document, string](driver, "Document", documentToMap,
		func(rec *neo4j.Record) (Document, error) {
			p, err := nodeProps(rec)
			if err != nil {
				return Document{}, err
			}
			return documentFromProps(p), nil
		})
}

func newMessageRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Message, string] {
	return repo.NewNeo4jRepo[Message, string](driver, "Message", messageToMap,
		func(rec *neo4j.Record) (Message, error) {
			p, err := nodeProps(rec)
			if err != nil {
				return Message{}, err
			}
			return messageFromProps(p)
		})
}

func newSQLiteCollections(db *sql.DB) *repo.SQLiteRepo[Collection, string] {
	return repo.NewSQLiteRepo[Collection, string](db, "collections", collectionToMap,
		func(p map[string]any) (Collection, error) { return collectionFromProps(p), nil },
		repo.WithIndexes[Collection, string]("created_at"))
}

func newSQLiteDocuments(db *sql.DB) *repo.SQLiteRepo[Document, string] {
	return repo.NewSQLiteRepo[Document, string](db, "documents", documentToMap,
		func(p map[string]any) (Document, error) { return documentFromProps(p), nil },
		repo.WithIndexes[Document, string]("collection_id"))
}

func newSQLiteMessages(db *sql.DB) *repo.SQLiteRepo[Message, string] {
	return repo.NewSQLiteRepo[Message, string](db, "messages", messageToMap, messageFromProps,
		repo.WithIndexes[Message, string]("collection_id"))
}
