// Package schema compiles CUE entity declarations into entity metadata.
//
// A schema declares entity types under the top-level "entity" struct:
//
//	entity: Company: {
//		versioned: true
//		properties: {
//			id:    string
//			name:  string
//			size?: int
//		}
//	}
//
//	entity: Person: {
//		properties: {
//			id:     string
//			name:   string
//			age?:   int
//			score?: float
//		}
//		relations: {
//			friends:  {target: "Person", many: true}
//			employer: {target: "Company"}
//		}
//		immutable: ["name"]
//	}
//
//	entity: Employee: {
//		extends: "Person"
//		properties: salary: int
//	}
//
// The id property is "id" unless the entity sets id: "<property>". Optional
// fields are nullable. Subtypes inherit the id and every property of their
// parent and must not redeclare them. Relation targets are resolved when the
// compiled types are registered.
package schema
